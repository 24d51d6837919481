package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var version = "0.1.0"

func main() {
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ridechat",
	Short: "Ride chat client - talk to the other party of a ride",
	Long: `ridechat joins a ride's group chat over the shared real-time connection.

Connection settings come from the environment (or a .env file):
  RIDECHAT_BASE_URL   backend address, e.g. http://localhost:8080
  RIDECHAT_TOKEN      bearer token sent with every request

Examples:
  ridechat chat ride-42 --role customer
  ridechat history ride-42`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(historyCmd)

	rootCmd.PersistentFlags().String("log-level", "", "Override LOG_LEVEL")
}
