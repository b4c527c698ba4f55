package event

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/devblac/solana-event-reader/internal/invocation"
	"github.com/devblac/solana-event-reader/internal/txlog"
)

// DecodedEvent is one event found in a "Program data:" line. When Recognized
// is false, Value is nil and Raw holds the bytes after the discriminator.
type DecodedEvent struct {
	Context       invocation.ProgramContext `json:"context"`
	Discriminator Discriminator             `json:"discriminator"`
	Name          string                    `json:"name,omitempty"`
	Recognized    bool                      `json:"recognized"`
	Value         any                       `json:"value,omitempty"`
	Raw           []byte                    `json:"raw,omitempty"`
}

// PayloadFormatError reports a data line that is not base64 or too short.
type PayloadFormatError struct {
	Data   string
	Reason string
	Err    error
}

func (e *PayloadFormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("event payload: %s: %v", e.Reason, e.Err)
	}
	return "event payload: " + e.Reason
}

func (e *PayloadFormatError) Unwrap() error { return e.Err }

// EventDecodeError reports a registered schema that rejected its payload.
type EventDecodeError struct {
	Name          string
	Discriminator Discriminator
	Err           error
}

func (e *EventDecodeError) Error() string {
	return fmt.Sprintf("decode event %s (%s): %v", e.Name, e.Discriminator, e.Err)
}

func (e *EventDecodeError) Unwrap() error { return e.Err }

// Payload base64 decodes a data line. Space separated chunks are concatenated.
func Payload(data string) ([]byte, error) {
	var out []byte
	for _, chunk := range strings.Fields(data) {
		b, err := base64.StdEncoding.DecodeString(chunk)
		if err != nil {
			return nil, &PayloadFormatError{Data: data, Reason: "invalid base64", Err: err}
		}
		out = append(out, b...)
	}
	return out, nil
}

// Decode resolves the payload of rec, emitted inside ctx, against reg.
// An unknown discriminator is not an error. On EventDecodeError the returned
// event still carries the discriminator, name and raw bytes.
func Decode(ctx invocation.ProgramContext, rec txlog.ProgramDataPayload, reg Registry) (DecodedEvent, error) {
	payload, err := Payload(rec.Data)
	if err != nil {
		return DecodedEvent{Context: ctx}, err
	}
	var d Discriminator
	if len(payload) < len(d) {
		return DecodedEvent{Context: ctx}, &PayloadFormatError{
			Data:   rec.Data,
			Reason: fmt.Sprintf("payload is %d bytes, need at least %d", len(payload), len(d)),
		}
	}
	copy(d[:], payload)
	body := payload[len(d):]

	ev := DecodedEvent{Context: ctx, Discriminator: d, Raw: body}
	if reg == nil {
		return ev, nil
	}
	schema, ok := reg.Lookup(ctx.ProgramID, d)
	if !ok {
		return ev, nil
	}
	ev.Name = schema.Name
	v, err := schema.Decode(body)
	if err != nil {
		return ev, &EventDecodeError{Name: schema.Name, Discriminator: d, Err: err}
	}
	ev.Value = v
	ev.Recognized = true
	ev.Raw = nil
	return ev, nil
}
