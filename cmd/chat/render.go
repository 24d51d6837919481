package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"ridechat/internal/config"
	"ridechat/internal/model"
)

func loadClientConfig(cmd *cobra.Command) (config.ClientConfig, error) {
	cfg, err := config.LoadClient()
	if err != nil {
		return config.ClientConfig{}, err
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.LogLevel = level
	}
	return cfg, nil
}

// formatMessage renders one transcript line. Own messages show their delivery state.
func formatMessage(m model.Message, own bool) string {
	who := m.Sender
	if own {
		who = "you"
	}
	line := fmt.Sprintf("[%s] %s: %s", m.Timestamp.Local().Format("15:04"), who, m.Body)

	if own {
		switch m.Status {
		case model.StatusPending:
			line += "  (sending...)"
		case model.StatusFailed:
			line += fmt.Sprintf("  (failed, /retry %s)", shortID(m.ID))
		}
	}
	return line
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// printer writes transcript changes as they happen, one line per new message
// or status change.
type printer struct {
	out   io.Writer
	isOwn func(model.Message) bool

	mu      sync.Mutex
	printed map[string]model.Status
}

func newPrinter(out io.Writer, isOwn func(model.Message) bool) *printer {
	return &printer{out: out, isOwn: isOwn, printed: make(map[string]model.Status)}
}

func (p *printer) update(msgs []model.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range msgs {
		if status, ok := p.printed[m.ID]; ok && status == m.Status {
			continue
		}
		p.printed[m.ID] = m.Status
		fmt.Fprintln(p.out, formatMessage(m, p.isOwn(m)))
	}
}

// findByPrefix resolves a /retry argument against the transcript.
func findByPrefix(msgs []model.Message, prefix string) (model.Message, bool) {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return model.Message{}, false
	}
	var found model.Message
	matches := 0
	for _, m := range msgs {
		if strings.HasPrefix(m.ID, prefix) {
			found = m
			matches++
		}
	}
	return found, matches == 1
}
