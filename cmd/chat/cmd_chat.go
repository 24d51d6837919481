package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"ridechat/internal/chat"
	"ridechat/internal/client"
	"ridechat/internal/logger"
	"ridechat/internal/model"
	"ridechat/internal/realtime"
)

var chatCmd = &cobra.Command{
	Use:   "chat <groupId>",
	Short: "Open a ride's conversation and chat interactively",
	Long: `Loads the conversation history, joins the group and sends every line typed on stdin.

Commands:
  /retry <id>   resend a failed message (an id prefix is enough)
  /quit         leave the conversation`,
	Args: cobra.ExactArgs(1),
	RunE: runChat,
}

func init() {
	chatCmd.Flags().String("role", "customer", "Sender tag of the local participant (customer or driver)")
}

func runChat(cmd *cobra.Command, args []string) error {
	groupID := args[0]
	role, _ := cmd.Flags().GetString("role")

	cfg, err := loadClientConfig(cmd)
	if err != nil {
		return err
	}
	log := logger.New("chat", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := client.New(cfg, log)
	if err != nil {
		return err
	}
	defer app.Close()

	errOut := cmd.ErrOrStderr()
	app.Connection().OnStateChange(func(s realtime.State) {
		switch s {
		case realtime.StateReconnecting:
			fmt.Fprintln(errOut, "-- connection lost, reconnecting --")
		case realtime.StateConnected:
			fmt.Fprintln(errOut, "-- connected --")
		}
	})

	if err := app.Start(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	p := newPrinter(cmd.OutOrStdout(), func(m model.Message) bool { return m.Sender == role })
	conv, err := app.OpenConversation(ctx, groupID, role, p.update)
	if conv == nil {
		return err
	}
	if err != nil {
		// history or join failed; the conversation still works for live messages
		fmt.Fprintf(errOut, "-- %v --\n", err)
	}

	return readLoop(ctx, conv, cmd.InOrStdin(), errOut)
}

func readLoop(ctx context.Context, conv *chat.Conversation, in io.Reader, errOut io.Writer) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleLine(conv, line, errOut); quit {
				return nil
			}
		}
	}
}

// handleLine runs one line of input and reports whether the user asked to quit.
func handleLine(conv *chat.Conversation, line string, errOut io.Writer) bool {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return false
	case line == "/quit":
		return true
	case strings.HasPrefix(line, "/retry"):
		target, ok := findByPrefix(conv.Messages(), strings.TrimPrefix(line, "/retry"))
		if !ok {
			fmt.Fprintln(errOut, "-- no single message matches that id --")
			return false
		}
		if err := conv.Retry(target.ID); err != nil {
			fmt.Fprintf(errOut, "-- retry failed: %v --\n", err)
		}
		return false
	}

	if _, err := conv.Send(line); err != nil {
		fmt.Fprintf(errOut, "-- %v --\n", err)
	}
	return false
}
