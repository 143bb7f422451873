package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/abdelmounim-dev/collab-coordinator/config"
)

func Execute() error {
	return newRootCmd().Execute()
}

type rootOptions struct {
	env string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "collabd",
		Short:         "Collaboration coordinator: presence, live edits and chat for shared workspaces",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	defaultEnv := os.Getenv("ENVIRONMENT")
	if defaultEnv == "" {
		defaultEnv = "dev"
	}
	rootCmd.PersistentFlags().StringVarP(&opts.env, "env", "e", defaultEnv, "configuration environment, reads config.{env}.yaml")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newTailCmd(opts),
	)
	return rootCmd
}

func (o *rootOptions) load() (*config.AppConfig, error) {
	return config.Load(o.env)
}
