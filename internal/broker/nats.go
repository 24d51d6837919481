package broker

import (
	"context"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
)

const natsSubjectPrefix = "ridechat.group."

// NATSSubject is the subject carrying groupID's payloads. Group ids may not
// contain subject separators or wildcards.
func NATSSubject(groupID string) (string, error) {
	if groupID == "" || strings.ContainsAny(groupID, ".*> \t\r\n") {
		return "", fmt.Errorf("group id %q is not a valid NATS subject token", groupID)
	}
	return natsSubjectPrefix + groupID, nil
}

// NATS fans out over core NATS subjects, one per group.
type NATS struct {
	nc *nats.Conn
}

func NewNATS(url string) (*NATS, error) {
	nc, err := nats.Connect(url, nats.Name("ridechat-relay"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NATS{nc: nc}, nil
}

// CheckGroup rejects group ids that cannot form a subject.
func (n *NATS) CheckGroup(groupID string) error {
	_, err := NATSSubject(groupID)
	return err
}

func (n *NATS) Publish(_ context.Context, groupID string, payload []byte) error {
	subject, err := NATSSubject(groupID)
	if err != nil {
		return err
	}
	if err := n.nc.Publish(subject, payload); err != nil {
		return fmt.Errorf("failed to publish to subject '%s': %w", subject, err)
	}
	return nil
}

func (n *NATS) Subscribe(ctx context.Context, fn HandlerFunc) error {
	sub, err := n.nc.Subscribe(natsSubjectPrefix+"*", func(msg *nats.Msg) {
		fn(strings.TrimPrefix(msg.Subject, natsSubjectPrefix), msg.Data)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s*: %w", natsSubjectPrefix, err)
	}

	go func() {
		<-ctx.Done()
		sub.Unsubscribe()
	}()
	return nil
}

func (n *NATS) Close() error {
	if n.nc != nil {
		n.nc.Close()
	}
	return nil
}
