// Package server defines the relay's view of frame payloads and shared helpers
// used by connection and relay logic.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/gorilla/websocket"
)

// DefaultRoom is the room used when a connection request carries no roomId.
const DefaultRoom = "default"

// EventKind classifies an inbound text frame.
type EventKind int

const (
	KindUnknown EventKind = iota
	KindChat
	KindTyping
)

func (k EventKind) String() string {
	switch k {
	case KindChat:
		return "chat"
	case KindTyping:
		return "typing"
	case KindUnknown:
		return "unknown"
	}
	return "unknown"
}

// ChatMessage is the content of a chat event. Missing fields decode to "".
type ChatMessage struct {
	Text       string `json:"text"`
	SenderName string `json:"senderName"`
	Timestamp  string `json:"timestamp"`
}

// Event is a decoded text frame. Chat is set only for KindChat.
//
// The relay decodes events to label logs and metrics; the frame itself is
// always forwarded as received, whatever its kind.
type Event struct {
	Kind EventKind
	Chat *ChatMessage
}

type wireEvent struct {
	Type       string  `json:"type"`
	Text       *string `json:"text"`
	SenderName string  `json:"senderName"`
	Timestamp  string  `json:"timestamp"`
}

// DecodeEvent classifies payload. It never fails: anything that is neither a
// typing indicator nor a chat message is KindUnknown.
func DecodeEvent(payload []byte) Event {
	var w wireEvent
	if err := json.Unmarshal(payload, &w); err != nil {
		return Event{Kind: KindUnknown}
	}

	switch w.Type {
	case "typing":
		return Event{Kind: KindTyping}
	case "", "chat":
		if w.Text == nil {
			return Event{Kind: KindUnknown}
		}
		return Event{Kind: KindChat, Chat: &ChatMessage{
			Text:       *w.Text,
			SenderName: w.SenderName,
			Timestamp:  w.Timestamp,
		}}
	}
	return Event{Kind: KindUnknown}
}

// isExpectedCloseError reports whether err is part of a normal disconnect.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) ||
		errors.Is(err, websocket.ErrCloseSent) || errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "broken pipe")
}
