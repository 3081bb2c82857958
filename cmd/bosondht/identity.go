package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/boson-network/dht-core/pkg/config"
)

func identityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "identity",
		Short: "print the node id derived from the configured private key",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			id, err := loadIdentity(cfg)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id.NodeId.String())
			return nil
		},
	}
}
