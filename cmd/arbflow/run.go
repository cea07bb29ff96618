package main

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/arbflow/arbflow/internal/config"
	"github.com/arbflow/arbflow/internal/engine"
	"github.com/arbflow/arbflow/internal/httpapi"
)

type runFlags struct {
	configPath string
	listen     string
	watch      bool
}

func (f *runFlags) register(fs *pflag.FlagSet) {
	fs.StringVarP(&f.configPath, "config", "c", "", "YAML config file (defaults apply when omitted)")
	fs.StringVar(&f.listen, "listen", "", "status/metrics listen address, overrides config")
	fs.BoolVar(&f.watch, "watch", true, "reload thresholds on config file change")
}

func runCmd() *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the engine until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			cfg := config.Default()
			if flags.configPath != "" {
				loaded, err := config.Load(flags.configPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			if flags.listen != "" {
				cfg.HTTP.Listen = flags.listen
			}

			e := engine.New(cfg)
			if err := e.Initialize(); err != nil {
				return err
			}
			if err := e.Start(ctx); err != nil {
				return err
			}

			srv := httpapi.New(cfg.HTTP, e)
			srv.Start()

			if flags.watch && flags.configPath != "" {
				if err := config.Watch(ctx, flags.configPath, e.ApplyConfig); err != nil {
					log.Warn().Err(err).Msg("config watch unavailable")
				}
			}

			<-ctx.Done()
			log.Info().Msg("shutdown signal received")
			srv.Close()
			return e.Stop()
		},
	}
	flags.register(cmd.Flags())
	return cmd
}
