package input

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"paddleduel/broker/internal/simulation"
)

// ErrMalformedInput marks a frame that cannot be interpreted as a paddle command. Such frames are
// ignored and the connection stays open.
var ErrMalformedInput = errors.New("malformed input")

// MaxMessageBytes bounds a single inbound frame before decoding.
const MaxMessageBytes = 512

// Message is the only client to server envelope.
type Message struct {
	Type      string `json:"type"`
	Direction string `json:"direction"`
}

// Decode parses an inbound frame into a paddle command.
func Decode(payload []byte) (simulation.Command, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return simulation.CommandStop, fmt.Errorf("%w: empty frame", ErrMalformedInput)
	}
	if len(payload) > MaxMessageBytes {
		return simulation.CommandStop, fmt.Errorf("%w: frame of %d bytes exceeds %d", ErrMalformedInput, len(payload), MaxMessageBytes)
	}
	var message Message
	if err := json.Unmarshal(payload, &message); err != nil {
		return simulation.CommandStop, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	if message.Type != "input" {
		return simulation.CommandStop, fmt.Errorf("%w: unexpected type %q", ErrMalformedInput, message.Type)
	}
	cmd, err := simulation.ParseCommand(message.Direction)
	if err != nil {
		return simulation.CommandStop, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	return cmd, nil
}
