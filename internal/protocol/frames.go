package protocol

import (
	"encoding/json"
)

// Frame is one outbound JSON object. Handlers build frames with the fluent
// helpers and hand the encoded bytes to the session write pump.
type Frame map[string]interface{}

// NewFrame starts an outbound frame of the given type, stamped with the
// current millisecond timestamp.
func NewFrame(t MsgType) Frame {
	return Frame{"type": t, "ts": NowMillis()}
}

// With sets one field and returns the frame for chaining.
func (f Frame) With(key string, value interface{}) Frame {
	f[key] = value
	return f
}

// Encode serializes the frame. Encoding a map of JSON-safe values cannot
// fail, so the error is swallowed here rather than threaded through every
// handler.
func (f Frame) Encode() []byte {
	data, _ := json.Marshal(f)
	return data
}

// ErrorFrame builds the standard ERROR frame for a failure code.
func ErrorFrame(code ErrorCode, reason string) []byte {
	return NewFrame(TypeError).
		With("code", string(code)).
		With("reason", reason).
		Encode()
}

// WireErrorFrame encodes a WireError.
func WireErrorFrame(we *WireError) []byte {
	return ErrorFrame(we.Code, we.Reason)
}

// SystemMessage builds a MSG frame from @server into a channel.
func SystemMessage(channel, content string) []byte {
	return NewFrame(TypeMsg).
		With("from", "@server").
		With("to", channel).
		With("content", content).
		Encode()
}
