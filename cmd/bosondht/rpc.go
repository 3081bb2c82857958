package main

import (
	"bufio"
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/boson-network/dht-core/pkg/config"
)

func rpcCmd() *cobra.Command {
	root := &cobra.Command{Use: "rpc", Short: "inspect a running node's RPC layer"}
	root.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "scrape the node's /metrics endpoint for RPC and task-scheduler gauges",
		RunE:  rpcStats,
	})
	return root
}

var rpcStatsPrefixes = []string{
	"boson_rpc_",
	"boson_task_",
	"boson_spam_",
	"boson_suspicious_",
	"boson_routing_table_",
}

func rpcStats(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	addr := cfg.MetricsAddr
	if addr == "" {
		addr = ":9100"
	}
	host := addr
	if strings.HasPrefix(addr, ":") {
		host = "localhost" + addr
	}
	resp, err := http.Get("http://" + host + "/metrics")
	if err != nil {
		return fmt.Errorf("boson: fetch metrics from %s: %w (is the node running with enable_metrics?)", addr, err)
	}
	defer resp.Body.Close()

	out := cmd.OutOrStdout()
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "#") {
			continue
		}
		for _, prefix := range rpcStatsPrefixes {
			if strings.HasPrefix(line, prefix) {
				fmt.Fprintln(out, line)
				break
			}
		}
	}
	return scanner.Err()
}
