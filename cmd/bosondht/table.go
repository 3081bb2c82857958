package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/boson-network/dht-core/core"
	"github.com/boson-network/dht-core/pkg/config"
)

func tableCmd() *cobra.Command {
	root := &cobra.Command{Use: "table", Short: "inspect the persisted routing table"}
	root.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "print per-bucket routing table occupancy",
		RunE:  tableShow,
	})
	return root
}

func tableShow(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	identity, err := loadIdentity(cfg)
	if err != nil {
		return err
	}

	path := filepath.Join(cfg.DataDir, "routing_table.cbor")
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("boson: read %s: %w", path, err)
	}
	rt, err := core.LoadRoutingTable(identity.NodeId, data)
	if err != nil {
		return fmt.Errorf("boson: decode routing table: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "total entries: %d\n", rt.Size())
	for _, b := range rt.Buckets() {
		if b.Size == 0 {
			continue
		}
		fmt.Fprintf(out, "  depth %3d  %-s  entries=%d  oldest=%s\n",
			b.Prefix.Depth(), b.Prefix.First().String()[:8], b.Size, b.Oldest.Format("2006-01-02T15:04:05Z07:00"))
	}
	return nil
}
