package main

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/colossus/config"
	srv "github.com/mohammad-safakhou/colossus/internal/server"
)

func serveCMD() *cobra.Command {
	var serveAddr string
	var cfgPath string
	var serve = &cobra.Command{
		Use:   "serve",
		Short: "Run HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			if cmd.Flags().Changed("addr") {
				cfg.Server.Address = strings.TrimSpace(serveAddr)
				cfg.Server = cfg.Server.Normalize()
			}
			return srv.Run(cfg)
		},
	}
	serve.Flags().StringVar(&serveAddr, "addr", ":8000", "listen address (overrides server.address)")
	serve.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return serve
}
