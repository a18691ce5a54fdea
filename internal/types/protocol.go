package types

import (
	"encoding/json"
	"strings"
)

// Relay wire methods.
const (
	MethodPing           = "ping"
	MethodPong           = "pong"
	MethodForwardCommand = "forwardCDPCommand"
	MethodForwardEvent   = "forwardCDPEvent"
)

// Message is one line-delimited JSON frame exchanged with the broker. A frame
// with an id and a method is a request, one with an id and a result or error
// is a response, and one with only a method is a notification.
type Message struct {
	ID     int64           `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`
}

// IsResponse reports whether the message answers an earlier request.
func (m Message) IsResponse() bool {
	return m.ID != 0 && m.Method == "" && (m.Result != nil || m.Error != nil)
}

// ErrorText returns the error carried by a response. The broker sends a
// plain string; a protocol-style {"message": ...} object is accepted too.
func (m Message) ErrorText() string {
	if len(m.Error) == 0 || string(m.Error) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Error, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(m.Error, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	return strings.TrimSpace(string(m.Error))
}

// ForwardCommand is the params payload of a forwardCDPCommand request.
type ForwardCommand struct {
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

// TargetID returns params.targetId when present.
func (c ForwardCommand) TargetID() string {
	if len(c.Params) == 0 {
		return ""
	}
	var p struct {
		TargetID string `json:"targetId"`
	}
	if json.Unmarshal(c.Params, &p) != nil {
		return ""
	}
	return p.TargetID
}

// ForwardEvent is the params payload of a forwardCDPEvent notification.
type ForwardEvent struct {
	Method    string `json:"method"`
	Params    any    `json:"params,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// DetachedFromTarget is the synthesized Target.detachedFromTarget payload.
type DetachedFromTarget struct {
	SessionID string `json:"sessionId"`
	TargetID  string `json:"targetId,omitempty"`
	Reason    string `json:"reason,omitempty"`
}
