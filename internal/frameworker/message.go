package frameworker

import (
	"encoding/json"
	"strings"
)

// Message is the body carried over a port: a topic plus an optional JSON payload.
type Message struct {
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func NewMessage(topic string, data any) (Message, error) {
	msg := Message{Topic: strings.TrimSpace(topic)}
	if data == nil {
		return msg, nil
	}
	if raw, ok := data.(json.RawMessage); ok {
		msg.Data = raw
		return msg, nil
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return Message{}, err
	}
	msg.Data = payload
	return msg, nil
}

func (m Message) Decode(v any) error {
	if len(m.Data) == 0 || string(m.Data) == "null" {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}
