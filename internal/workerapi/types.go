package workerapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	TopicInitialize          = "social.initialize"
	TopicCookieChanged       = "social.cookie-changed"
	TopicNotificationCreate  = "social.notification-create"
	TopicAmbientNotification = "social.ambient-notification-update"
	TopicAmbientArea         = "social.ambient-notification-area"
	TopicPortClosing         = "social.port-closing"
)

var ErrUnknownTopic = errors.New("unknown worker api topic")

type UnknownTopicError struct {
	Origin string
	Topic  string
}

func (e *UnknownTopicError) Error() string {
	return fmt.Sprintf("unknown worker api topic %q from %s", e.Topic, e.Origin)
}

func (e *UnknownTopicError) Is(target error) bool {
	return target == ErrUnknownTopic
}

// Target is the provider side of a bridge.
type Target interface {
	Origin() string
	SetAmbientNotification(update IconUpdate) error
	UpdateAmbientArea(update AreaUpdate) error
}

// IconUpdate changes one named ambient icon. Nil fields are left as they are.
type IconUpdate struct {
	Name         string
	Background   *string
	Counter      *string
	ContentPanel *string
}

type AreaUpdate struct {
	Background *string
	Portrait   *string
}

type Notification struct {
	Origin string `json:"origin"`
	ID     string `json:"id,omitempty"`
	Title  string `json:"title"`
	Body   string `json:"body,omitempty"`
	Icon   string `json:"icon,omitempty"`
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

type iconPayload struct {
	Name         string          `json:"name"`
	Background   *string         `json:"background,omitempty"`
	Counter      json.RawMessage `json:"counter,omitempty"`
	ContentPanel *string         `json:"contentPanel,omitempty"`
}

type areaPayload struct {
	Background *string `json:"background,omitempty"`
	Portrait   *string `json:"portrait,omitempty"`
}

// counterText accepts the counter as either a string or a number.
func counterText(raw json.RawMessage) (*string, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return &text, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, fmt.Errorf("counter must be a string or number: %w", err)
	}
	if i, err := n.Int64(); err == nil {
		text = strconv.FormatInt(i, 10)
	} else {
		text = n.String()
	}
	return &text, nil
}
