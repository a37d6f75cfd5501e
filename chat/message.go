/*
This package defines the application-facing chat message model shared by the
dispatcher, the wire protocol, and consuming code. A Message is the unit the
reliability layer queues, sends, and confirms; everything transport-specific
lives in the chatwire envelope around it.
*/
package chat

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// The different categories of messages an application can send or receive
type MessageType string

const (
	Text       MessageType = "text"
	Typing     MessageType = "typing"
	Attachment MessageType = "attachment"
	System     MessageType = "system"
)

// Well-known metadata keys
const (
	MetadataConversationId = "conversationId"
	MetadataAgentId        = "agentId"
)

type Message struct {
	Id        string            `json:"id"`
	Type      MessageType       `json:"type"`
	Content   string            `json:"content"`
	SenderId  string            `json:"senderId"`
	Timestamp int64             `json:"timestamp"` // epoch milliseconds
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// New builds a message with a fresh id and a current timestamp
func New(messageType MessageType, content string, senderId string) Message {
	return Message{
		Id:        uuid.New().String(),
		Type:      messageType,
		Content:   content,
		SenderId:  senderId,
		Timestamp: time.Now().UnixMilli(),
	}
}

func (m Message) Validate() error {
	if m.Type == "" {
		return fmt.Errorf("message is missing a type")
	}
	if m.Type == Text && m.Content == "" {
		return fmt.Errorf("text message is missing content")
	}
	return nil
}

// ConversationId returns the conversation this message belongs to, if any
func (m Message) ConversationId() string {
	if m.Metadata == nil {
		return ""
	}
	return m.Metadata[MetadataConversationId]
}

func (m Message) SentAt() time.Time {
	return time.UnixMilli(m.Timestamp)
}
