// Package events contains the websocket message contracts pushed to the
// desktop shell.
package events

import (
	"time"

	"gymdesk/pkg/contracts/domain"
)

// MessageType defines the type of WebSocket message
type MessageType string

const (
	MessageTypeLicenseStatus MessageType = "license_status"

	MessageTypeConnect MessageType = "connect"
	MessageTypeError   MessageType = "error"
)

// BaseMessage represents the base structure for all WebSocket messages
type BaseMessage struct {
	ID        string      `json:"id,omitempty"`
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	TraceID   string      `json:"trace_id,omitempty"`
}

// WebSocketMessage represents a complete WebSocket message
type WebSocketMessage struct {
	BaseMessage
	Data interface{} `json:"data,omitempty"`
}

// ErrorData is the payload of an error message
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewLicenseStatusMessage wraps a status for broadcast
func NewLicenseStatusMessage(status domain.LicenseStatus, traceID string) WebSocketMessage {
	return WebSocketMessage{
		BaseMessage: BaseMessage{
			Type:      MessageTypeLicenseStatus,
			Timestamp: time.Now().UTC(),
			TraceID:   traceID,
		},
		Data: status,
	}
}

// NewErrorMessage creates an error message
func NewErrorMessage(code, message string) WebSocketMessage {
	return WebSocketMessage{
		BaseMessage: BaseMessage{
			Type:      MessageTypeError,
			Timestamp: time.Now().UTC(),
		},
		Data: ErrorData{Code: code, Message: message},
	}
}
