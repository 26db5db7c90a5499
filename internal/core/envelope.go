package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Reserved envelope tags. Any other tag is a progress message.
const (
	TagSuccess        = string(StatusSuccess)
	TagError          = string(StatusError)
	TagTimeoutExpired = string(StatusTimeoutExpired)

	// TagProgress is the tag used by the emitter's progress() helper.
	TagProgress = "PROGRESS"
)

// Envelope is the [tag, payload] message a unit posts back to its controller.
type Envelope struct {
	Tag     string
	Payload json.RawMessage
}

// Terminal reports whether the envelope settles the current call.
func (e Envelope) Terminal() bool {
	return e.Tag == TagSuccess || e.Tag == TagError || e.Tag == TagTimeoutExpired
}

// Message converts a non-terminal envelope into the observer payload.
func (e Envelope) Message() Message {
	return Message{Type: e.Tag, Data: e.Payload}
}

// Description returns the payload as a human-readable string. String
// payloads are unquoted; anything else is returned as its JSON text.
func (e Envelope) Description() string {
	if len(e.Payload) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(e.Payload, &s); err == nil {
		return s
	}
	return string(e.Payload)
}

// MarshalJSON encodes the envelope as a two-element JSON array.
func (e Envelope) MarshalJSON() ([]byte, error) {
	payload := e.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	tag, err := json.Marshal(e.Tag)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.WriteByte('[')
	buf.Write(tag)
	buf.WriteByte(',')
	buf.Write(payload)
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a [tag, payload] array. Numeric tags are kept as
// their decimal text.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("envelope is not an array: %w", err)
	}
	if len(parts) == 0 || len(parts) > 2 {
		return fmt.Errorf("envelope must have 1 or 2 elements, got %d", len(parts))
	}
	tag, err := decodeTag(parts[0])
	if err != nil {
		return err
	}
	e.Tag = tag
	e.Payload = json.RawMessage("null")
	if len(parts) == 2 {
		e.Payload = parts[1]
	}
	return nil
}

func decodeTag(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&n); err == nil {
		if i, err := n.Int64(); err == nil {
			return strconv.FormatInt(i, 10), nil
		}
		return n.String(), nil
	}
	return "", fmt.Errorf("envelope tag must be a string or number, got %s", raw)
}

// DecodeEnvelope parses a message posted by a unit.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	err := json.Unmarshal(data, &e)
	return e, err
}

// EncodeRequest builds the request envelope [[args...]] sent to a unit.
// Arguments keep the order they were supplied in.
func EncodeRequest(args []json.RawMessage) ([]byte, error) {
	if args == nil {
		args = []json.RawMessage{}
	}
	return json.Marshal([]any{args})
}

// DecodeRequest is the inverse of EncodeRequest, used by native units.
func DecodeRequest(data []byte) ([]json.RawMessage, error) {
	var outer []json.RawMessage
	if err := json.Unmarshal(data, &outer); err != nil {
		return nil, fmt.Errorf("request is not an array: %w", err)
	}
	if len(outer) == 0 {
		return nil, nil
	}
	var args []json.RawMessage
	if err := json.Unmarshal(outer[0], &args); err != nil {
		return nil, fmt.Errorf("request arguments are not an array: %w", err)
	}
	return args, nil
}

// EncodeArgs JSON-encodes call arguments in order.
func EncodeArgs(args []any) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, len(args))
	for i, a := range args {
		if raw, ok := a.(json.RawMessage); ok {
			out[i] = raw
			continue
		}
		b, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("marshaling argument %d: %w", i, err)
		}
		out[i] = b
	}
	return out, nil
}

// Message is the payload handed to progress observers.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}
