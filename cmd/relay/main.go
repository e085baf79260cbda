package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	relay "github.com/ZanzyTHEbar/chat-relay/relay"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   relay.DefaultAppName,
		Short: "Chat relay - authenticated, rate-limited proxy to an LLM provider",
		Long: `chat-relay accepts conversations from a trusted front-end, forwards them to an
OpenAI-compatible chat-completions provider and returns only the final answer.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringP("config", "c", "", "path to config file (default: search ./config.yaml, /etc/chat-relay)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the relay server",
		Long:  `Start the relay HTTP server. Stops gracefully on SIGINT or SIGTERM.`,
		RunE:  runServe,
	}
	serveCmd.Flags().StringP("addr", "a", "", "listen address, overrides server.addr")
	rootCmd.AddCommand(serveCmd)

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long:  `Print the configuration after defaults, file and environment are merged. Secrets are masked.`,
		RunE:  runConfig,
	}
	rootCmd.AddCommand(configCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
