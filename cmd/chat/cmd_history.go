package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"ridechat/internal/history"
)

var historyCmd = &cobra.Command{
	Use:   "history <groupId>",
	Short: "Print a ride's stored conversation",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().String("role", "", "Mark messages from this sender as your own")
}

func runHistory(cmd *cobra.Command, args []string) error {
	role, _ := cmd.Flags().GetString("role")

	cfg, err := loadClientConfig(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.HistoryTimeout)
	defer cancel()

	msgs, err := history.NewClient(cfg.BaseURL, cfg.Token, cfg.HistoryTimeout).Load(ctx, args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(msgs) == 0 {
		fmt.Fprintln(out, "No messages yet.")
		return nil
	}
	for _, m := range msgs {
		fmt.Fprintln(out, formatMessage(m, role != "" && m.Sender == role))
	}
	return nil
}
