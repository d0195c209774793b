// Package cmd defines and implements the CLI commands for the cachewarden executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/fastcgi-cache-warden/internal/api"
	"github.com/JakeFAU/fastcgi-cache-warden/internal/app"
	"github.com/JakeFAU/fastcgi-cache-warden/internal/config"
	"github.com/JakeFAU/fastcgi-cache-warden/internal/lifecycle"
	"github.com/JakeFAU/fastcgi-cache-warden/internal/logging"
	"github.com/JakeFAU/fastcgi-cache-warden/internal/server"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// backgroundWait marks commands whose process outlives the preloads it
// starts, so the App may wait on them in the background.
const backgroundWait = "background_wait"

// Waiter blocks until the running preload ends.
type Waiter interface {
	WaitAndFinalize(ctx context.Context) (lifecycle.Outcome, error)
}

// App defines the application interface that commands will use.
// This allows us to inject a mock app during tests.
type App interface {
	Close()
	Logger() *zap.Logger
	Service() api.Service
	Waiter() Waiter
	Serve(ctx context.Context) error
}

type appAdapter struct {
	*app.App
}

func (a appAdapter) Service() api.Service { return a.App.Service() }

func (a appAdapter) Waiter() Waiter { return a.App.Checker() }

func (a appAdapter) Serve(ctx context.Context) error { return server.New(a.App).Run(ctx) }

// newApp is the application factory. It's a variable so we can
// replace it with a mock factory in our tests.
var newApp = func(ctx context.Context, cfgFile string, background bool) (App, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)

	var opts []app.Option
	if background {
		opts = append(opts, app.WithBackgroundWait())
	}
	a, err := app.New(ctx, cfg, logger, opts...)
	if err != nil {
		return nil, err
	}
	return appAdapter{App: a}, nil
}

// newRootCmd creates and configures the root command. The returned cleanup
// closes the App built for the executed subcommand, whether or not it
// succeeded.
func newRootCmd() (*cobra.Command, func()) {
	var (
		cfgFile string
		opened  App
	)

	cmd := &cobra.Command{
		Use:   "cachewarden",
		Short: "Purge and preload an NGINX FastCGI cache.",
		Long: `cachewarden manages the on-disk NGINX FastCGI cache of one site.
It purges single pages or the whole cache, repopulates it with a detached
wget crawl, and reports crawl progress. Run "serve" for the REST API.`,
		SilenceUsage: true,

		// This hook runs BEFORE the subcommand's RunE and injects the application.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			_, background := cmd.Annotations[backgroundWait]
			appInstance, err := newApp(cmd.Context(), cfgFile, background)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			opened = appInstance
			ctx := context.WithValue(cmd.Context(), appKey, appInstance)
			cmd.SetContext(ctx)
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON, or TOML)")

	cmd.AddCommand(
		newServeCmd(),
		newPurgeCmd(),
		newPurgeURLCmd(),
		newPreloadCmd(),
		newPreloadURLCmd(),
		newWaitCmd(),
		newProgressCmd(),
		newCachedCmd(),
	)

	cleanup := func() {
		if opened != nil {
			opened.Close()
			opened = nil
		}
	}
	return cmd, cleanup
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	root, cleanup := newRootCmd()
	err := root.ExecuteContext(ctx)
	cleanup()
	stop()
	if err != nil {
		zap.L().Error("Command execution failed", zap.Error(err))
		os.Exit(1)
	}
}
