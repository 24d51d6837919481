package model

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the delivery state of a message
type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

var (
	ErrEmptyBody  = errors.New("message body is required")
	ErrEmptyGroup = errors.New("group id is required")
	ErrEmptyID    = errors.New("message id is required")
)

// Message represents a chat message exchanged inside a ride group
type Message struct {
	ID        string    `json:"uuid"`
	GroupID   string    `json:"groupId"`
	Body      string    `json:"message"`
	Sender    string    `json:"sender"`
	Timestamp time.Time `json:"timestamp"`
	Status    Status    `json:"status,omitempty"`
}

// NewPending builds a locally originated message awaiting its echo.
func NewPending(groupID, body, sender string) (Message, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return Message{}, ErrEmptyBody
	}
	if strings.TrimSpace(groupID) == "" {
		return Message{}, ErrEmptyGroup
	}

	return Message{
		ID:        uuid.NewString(),
		GroupID:   groupID,
		Body:      body,
		Sender:    sender,
		Timestamp: time.Now().UTC(),
		Status:    StatusPending,
	}, nil
}

// Validate checks the fields every message on the wire must carry.
func (m Message) Validate() error {
	switch {
	case m.ID == "":
		return ErrEmptyID
	case strings.TrimSpace(m.GroupID) == "":
		return ErrEmptyGroup
	case strings.TrimSpace(m.Body) == "":
		return ErrEmptyBody
	}
	return nil
}

// Delivered returns a copy marked as confirmed by the backend.
func (m Message) Delivered() Message {
	m.Status = StatusDelivered
	return m
}
