package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/multpex/linkd"
	"github.com/multpex/linkd/pkg/config"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway (default when no subcommand is given)",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	cmd.Flags().Bool("protected", false, "ignore config file changes while running")
	cmd.Flags().String("addr", "", "override server.addr")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	var (
		engine *linkd.Engine
		opts   []config.Option
	)
	if f := cmd.Flags().Lookup("protected"); f != nil {
		protected, _ := cmd.Flags().GetBool("protected")
		opts = append(opts, config.WithProtected(protected))
	}
	opts = append(opts, config.WithOnError(func(err error) {
		if engine != nil {
			engine.Logger().Error("config reload rejected", zap.Error(err))
		}
	}))

	l := loader(cmd, opts...)
	cfg, err := l.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if f := cmd.Flags().Lookup("addr"); f != nil && f.Changed {
		cfg.Server.Addr = f.Value.String()
	}

	engine, err = linkd.New(cfg)
	if err != nil {
		return err
	}
	l.OnChange(engine.Reload)
	l.Watch()
	defer l.StopWatch()

	engine.Logger().Info("linkd starting",
		zap.String("version", linkd.Version),
		zap.String("config", l.ConfigFileUsed()))

	if err := engine.Run(context.Background()); err != nil {
		return err
	}
	return nil
}
