package main

import (
	"github.com/spf13/cobra"

	"github.com/tonimelisma/cloud302/internal/config"
)

func newReloadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reload",
		Short: "Ask the running server to reload its configuration",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			pid, err := sendSIGHUP(flagReloadPIDFile)
			if err != nil {
				return err
			}

			statusf("Sent SIGHUP to cloud302 (PID %d).\n", pid)

			return nil
		},
	}

	cmd.Flags().StringVar(&flagReloadPIDFile, "pid-file", config.DefaultPIDPath(), "PID file of the running server")

	return cmd
}

var flagReloadPIDFile string
