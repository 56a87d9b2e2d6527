package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/smallnest/checkpointer/checkpoint"
	"github.com/smallnest/checkpointer/config"
)

const defaultConfigPath = "checkpointer.yaml"

type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "checkpointctl",
		Short: "Inspect and edit checkpoint stores",
		Long: `checkpointctl reads and writes the checkpoints and pending writes kept by
checkpoint savers, using the same configuration file as the application.

Without a configuration file it uses a local BoltDB file, checkpoints.db.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetVersionTemplate(fmt.Sprintf("checkpointctl version %s\nCommit: %s\n", Version, Commit))

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", defaultConfigPath, "Path to the configuration file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Override the configured log level")

	cmd.AddCommand(
		newSetupCmd(opts),
		newGetCmd(opts),
		newListCmd(opts),
		newPutCmd(opts),
		newPutWritesCmd(opts),
	)
	return cmd
}

// loadConfig reads the configuration file. A missing default file falls back
// to a BoltDB store in the working directory.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		if o.configPath != defaultConfigPath || !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		cfg = config.Default()
		cfg.Backend = config.BackendBolt
		cfg.Bolt.Path = "checkpoints.db"
		cfg.LogLevel = "warn"
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// withSaver opens the configured backend and runs fn with a ready saver.
func (o *rootOptions) withSaver(ctx context.Context, fn func(*checkpoint.Saver) error) error {
	cfg, err := o.loadConfig()
	if err != nil {
		return err
	}
	backend, err := cfg.OpenBackend(ctx)
	if err != nil {
		return err
	}
	return checkpoint.WithSaver(ctx, backend, cfg.SaverOptions(prometheus.DefaultRegisterer), fn)
}
