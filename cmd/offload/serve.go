package main

import (
	"github.com/spf13/cobra"

	"github.com/cryguy/offload/internal/server"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve /v1/invoke and /v1/ws over HTTP",
	Args:  cobra.NoArgs,
	RunE: func(*cobra.Command, []string) error {
		rt, err := setup()
		if err != nil {
			return err
		}
		defer rt.close()

		addr := rt.cfg.ListenAddr
		if serveAddr != "" {
			addr = serveAddr
		}
		return server.NewServer(addr, rt.engine, rt.logger).Run()
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default OFFLOAD_LISTEN_ADDR)")
}
