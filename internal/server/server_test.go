package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/fastcgi-cache-warden/internal/api"
	"github.com/JakeFAU/fastcgi-cache-warden/internal/config"
	"github.com/JakeFAU/fastcgi-cache-warden/internal/progress"
	"github.com/JakeFAU/fastcgi-cache-warden/internal/warden"
)

type stubService struct{}

func (stubService) PurgeAll(context.Context, warden.Trigger) warden.Outcome { return warden.Outcome{} }
func (stubService) PurgeURL(context.Context, warden.Trigger, string) warden.Outcome {
	return warden.Outcome{}
}
func (stubService) Preload(context.Context, warden.Trigger) warden.Outcome { return warden.Outcome{} }
func (stubService) PreloadURL(context.Context, warden.Trigger, string) warden.Outcome {
	return warden.Outcome{}
}
func (stubService) Progress(context.Context) (progress.Snapshot, error) {
	return progress.Snapshot{}, nil
}
func (stubService) Cached(context.Context) (warden.CachedList, error) { return warden.CachedList{}, nil }
func (stubService) Status(context.Context) (warden.Status, error)     { return warden.Status{}, nil }

func TestRunServesUntilCanceled(t *testing.T) {
	t.Parallel()

	cfg := config.Config{Server: config.ServerConfig{Port: 1}}
	var closed atomic.Int32
	s := newServer(cfg, zap.NewNop(), api.NewServer(stubService{}, cfg, zap.NewNop()), func() { closed.Add(1) })

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s.listen = func(string, string) (net.Listener, error) { return ln, nil }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get(fmt.Sprintf("http://%s/healthz", ln.Addr()))
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	require.Equal(t, int32(1), closed.Load())
}

func TestRunListenFailureClosesApp(t *testing.T) {
	t.Parallel()

	cfg := config.Config{Server: config.ServerConfig{Port: 1}}
	var closed atomic.Int32
	s := newServer(cfg, zap.NewNop(), api.NewServer(stubService{}, cfg, zap.NewNop()), func() { closed.Add(1) })
	s.listen = func(string, string) (net.Listener, error) { return nil, errors.New("address in use") }

	err := s.Run(context.Background())
	require.ErrorContains(t, err, "address in use")
	require.Equal(t, int32(1), closed.Load())
}
