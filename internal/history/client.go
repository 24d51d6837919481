package history

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"ridechat/internal/model"
)

// EmptyConversationMessage is what the backend answers for a group with no messages.
const EmptyConversationMessage = "No messages found for this groupId."

const messagesPath = "/api/chat/driver/rides/messages/"

var ErrUnauthorized = errors.New("unauthorized, please log in again")

// APIError is a non-2xx answer other than the empty-conversation signal.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("history request failed (%d)", e.Status)
	}
	return fmt.Sprintf("history request failed (%d): %s", e.Status, e.Message)
}

// Response is the history endpoint payload
type Response struct {
	Success  bool            `json:"success"`
	Message  string          `json:"message,omitempty"`
	Messages []model.Message `json:"messages"`
}

// Client fetches a group's persisted messages
type Client struct {
	http *resty.Client
}

// NewClient creates a history client for baseURL. An empty token sends no Authorization header.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	rc := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetHeader("Accept", "application/json").
		SetTimeout(timeout)
	if token != "" {
		rc.SetAuthToken(token)
	}
	return &Client{http: rc}
}

// Load returns groupID's history in server order. The backend's "no messages"
// answer is an empty slice, not an error.
func (c *Client) Load(ctx context.Context, groupID string) ([]model.Message, error) {
	if strings.TrimSpace(groupID) == "" {
		return nil, model.ErrEmptyGroup
	}

	var body Response
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&body).
		SetError(&body).
		Get(messagesPath + url.PathEscape(groupID))
	if err != nil {
		return nil, fmt.Errorf("history request failed: %w", err)
	}

	switch {
	case resp.StatusCode() == http.StatusUnauthorized:
		return nil, ErrUnauthorized
	case body.Message == EmptyConversationMessage:
		// a bare 404 is a wrong route, not an empty conversation
		return []model.Message{}, nil
	case resp.IsError():
		msg := body.Message
		if msg == "" {
			msg = strings.TrimSpace(resp.String())
		}
		return nil, &APIError{Status: resp.StatusCode(), Message: msg}
	case !body.Success:
		return nil, &APIError{Status: resp.StatusCode(), Message: body.Message}
	}

	out := make([]model.Message, 0, len(body.Messages))
	for _, m := range body.Messages {
		if m.ID == "" {
			continue
		}
		m.GroupID = groupID
		out = append(out, m.Delivered())
	}
	return out, nil
}
