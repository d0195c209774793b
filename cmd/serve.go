package cmd

import (
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "serve",
		Short:       "Run the REST API",
		Long:        "Serves the REST API and waits on every full preload it starts, sending the completion notice when it ends.",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{backgroundWait: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return appInstance.Serve(cmd.Context())
		},
	}
}
