package models

import "time"

type MessageKind string

const (
	MessageKindChat MessageKind = "chat"
	MessageKindTask MessageKind = "task"
)

// Message is an inbound event from the network. It is never mutated after
// it has been appended to a conversation.
type Message struct {
	ID         string      `json:"id"`
	Author     string      `json:"author"`
	Content    string      `json:"content"`
	CreatedAt  time.Time   `json:"created_at"`
	Mentions   []string    `json:"mentions,omitempty"`
	ReplyTo    string      `json:"reply_to,omitempty"`
	ThreadRoot string      `json:"thread_root,omitempty"`
	Kind       MessageKind `json:"kind,omitempty"`
}

// InThread reports whether the message references an earlier message.
func (m *Message) InThread() bool {
	return m.ReplyTo != "" || m.ThreadRoot != ""
}

func (m *Message) IsTask() bool {
	return m.Kind == MessageKindTask
}
