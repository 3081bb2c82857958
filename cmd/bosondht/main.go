// Command bosondht runs a Boson DHT node and provides operator
// introspection subcommands, following cmd/synnergy/main.go and
// cmd/cli/kademlia.go's cobra command-tree pattern.
package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{Use: "bosondht"}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "boson.yaml", "path to the node configuration file")
	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(identityCmd())
	rootCmd.AddCommand(tableCmd())
	rootCmd.AddCommand(blacklistCmd())
	rootCmd.AddCommand(rpcCmd())

	if err := rootCmd.Execute(); err != nil {
		logrus.WithError(err).Error("bosondht failed")
		os.Exit(1)
	}
}
