package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

type globalOptions struct {
	serverURL string
	token     string
	caFile    string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	rootCmd := &cobra.Command{
		Use:           "dirsyncctl",
		Short:         "dirsyncctl - manage directory sync agents",
		Long:          "Inspect and manage directory sync agents, their certificates and data submissions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.serverURL, "server", "s", envOr("DIRSYNC_SERVER_URL", "https://localhost:8443"), "Sync server URL")
	rootCmd.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("DIRSYNC_ADMIN_TOKEN"), "Admin API token (default $DIRSYNC_ADMIN_TOKEN)")
	rootCmd.PersistentFlags().StringVar(&opts.caFile, "ca-file", os.Getenv("DIRSYNC_CA_FILE"), "PEM file with the CA that signed the server certificate")

	rootCmd.AddCommand(
		statusCmd(opts),
		agentsCmd(opts),
		agentCmd(opts),
		deactivateCmd(opts),
		certsCmd(opts),
		revokeCmd(opts),
		validateCmd(opts),
		submissionsCmd(opts),
		submissionCmd(opts),
		settingsCmd(opts),
		versionCmd(),
	)
	return rootCmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "dirsyncctl version %s\n", Version)
		},
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
