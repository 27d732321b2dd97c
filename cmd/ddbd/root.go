package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const (
	Version = "0.4.2"
)

var (
	configPath string

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "ddbd",
		Short: "replicated IRC network database",
		Long: fmt.Sprintf(`ddbd (v%s)

Keeps the network database tables of an IRC server network on disk and in
sync along the server tree: accounts, channel registrations, operator
records and the rest.`, Version),
		SilenceUsage: true,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of ddbd",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ddbd v%s\n", Version)
		},
	}
)

func init() {
	RootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the configuration file (default $CONFIG_PATH or ./config.yaml)")

	RootCmd.AddCommand(versionCmd)
	RootCmd.AddCommand(serveCmd)
	RootCmd.AddCommand(inspectCmd)
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if env := os.Getenv("CONFIG_PATH"); env != "" {
		return env
	}
	return "./config.yaml"
}
