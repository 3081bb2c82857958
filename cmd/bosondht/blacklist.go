package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/boson-network/dht-core/core"
	"github.com/boson-network/dht-core/pkg/config"
)

func blacklistPath(cfg *config.Config) string {
	return filepath.Join(cfg.DataDir, "blacklist.json")
}

func loadBlacklistForCLI() (*core.Blacklist, *config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	bl, err := core.LoadBlacklist(blacklistPath(cfg))
	if err != nil {
		bl = core.NewBlacklist()
	}
	return bl, cfg, nil
}

func blacklistCmd() *cobra.Command {
	root := &cobra.Command{Use: "blacklist", Short: "manage the persisted address/id blacklist"}

	root.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "print banned hosts and node ids",
		RunE: func(cmd *cobra.Command, _ []string) error {
			bl, _, err := loadBlacklistForCLI()
			if err != nil {
				return err
			}
			hosts, ids := bl.Snapshot()
			out := cmd.OutOrStdout()
			for _, h := range hosts {
				fmt.Fprintf(out, "host %s\n", h)
			}
			for _, id := range ids {
				fmt.Fprintf(out, "id %s\n", id)
			}
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "add",
		Short: "ban a host or node id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			byId, _ := cmd.Flags().GetBool("id")
			bl, cfg, err := loadBlacklistForCLI()
			if err != nil {
				return err
			}
			if byId {
				id, err := core.ParseId(args[0])
				if err != nil {
					return err
				}
				bl.BanId(id)
			} else {
				bl.BanHost(args[0])
			}
			return bl.Save(blacklistPath(cfg))
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "remove",
		Short: "unban a host or node id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			byId, _ := cmd.Flags().GetBool("id")
			bl, cfg, err := loadBlacklistForCLI()
			if err != nil {
				return err
			}
			if byId {
				id, err := core.ParseId(args[0])
				if err != nil {
					return err
				}
				bl.UnbanId(id)
			} else {
				bl.UnbanHost(args[0])
			}
			return bl.Save(blacklistPath(cfg))
		},
	})

	for _, c := range root.Commands() {
		c.Flags().Bool("id", false, "treat the argument as a hex node id rather than a host")
	}
	return root
}
