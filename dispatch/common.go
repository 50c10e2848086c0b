// Copyright 2025-2026 The chatrelay Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alwitt/chatrelay/storage"
)

// Envelope type discriminators
const (
	// EnvelopeTypeConnected sent once as the first write of a new subscription
	EnvelopeTypeConnected = "connected"
	// EnvelopeTypeNewMessage carries one newly created message record
	EnvelopeTypeNewMessage = "NEW_MESSAGE"
)

// Envelope is the one payload structure crossing the dispatcher to subscriber
// boundary.
//
// The body is a session ID string for "connected" envelopes, and a full
// message record for "NEW_MESSAGE" envelopes.
type Envelope struct {
	// Type is the envelope type discriminator
	Type string `json:"type" validate:"required,oneof=connected NEW_MESSAGE"`
	// Body is the envelope content
	Body json.RawMessage `json:"body,omitempty"`
}

// String produce ASCII representation
func (e Envelope) String() string {
	return fmt.Sprintf("ENV[%s](%dB)", e.Type, len(e.Body))
}

// NewConnectedEnvelope define the handshake envelope of a subscription
func NewConnectedEnvelope(sessionID string) (Envelope, error) {
	body, err := json.Marshal(sessionID)
	if err != nil {
		return Envelope{}, fmt.Errorf("serialize connected envelope body: %w", err)
	}
	return Envelope{Type: EnvelopeTypeConnected, Body: body}, nil
}

// NewMessageEnvelope define the delivery envelope for one message record
func NewMessageEnvelope(message storage.Message) (Envelope, error) {
	body, err := json.Marshal(&message)
	if err != nil {
		return Envelope{}, fmt.Errorf("serialize message envelope body: %w", err)
	}
	return Envelope{Type: EnvelopeTypeNewMessage, Body: body}, nil
}

// MessageSink is one live outbound delivery channel to a connected subscriber
// client.
//
// The registry holds sinks as non owning references. Whoever created the sink
// owns its teardown.
type MessageSink interface {
	// SinkID uniquely identifies this sink
	SinkID() string
	// SessionID is the session this sink is subscribed to
	SessionID() string
	// SendEnvelopePayload write one serialized envelope to the client. A
	// returned error marks the sink as dead.
	SendEnvelopePayload(ctxt context.Context, payload []byte) error
}
