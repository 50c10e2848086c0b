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
	"sync"

	"github.com/alwitt/chatrelay/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// MessageBroadcaster fans an envelope out to every live sink of a session
type MessageBroadcaster interface {
	// Broadcast deliver an envelope to the local sinks of a session, and
	// forward it over the relay bus when one is attached
	Broadcast(ctxt context.Context, sessionID string, envelope Envelope) error
	// BroadcastLocal deliver an envelope to the local sinks of a session
	// only. The relay bus listener uses this to keep forwarded envelopes
	// from echoing back onto the bus.
	BroadcastLocal(ctxt context.Context, sessionID string, envelope Envelope) error
}

// messageBroadcasterImpl implements MessageBroadcaster
type messageBroadcasterImpl struct {
	common.Component
	registry SessionRegistry
	// bus is nil when cross instance relay is disabled
	bus      EnvelopeBusPublisher
	validate *validator.Validate
}

// GetMessageBroadcaster define a new message broadcaster. The bus publisher
// is optional.
func GetMessageBroadcaster(
	registry SessionRegistry, bus EnvelopeBusPublisher, instance string,
) (MessageBroadcaster, error) {
	logTags := log.Fields{
		"module": "dispatch", "component": "message-broadcaster", "instance": instance,
	}
	return &messageBroadcasterImpl{
		Component: common.Component{LogTags: logTags},
		registry:  registry,
		bus:       bus,
		validate:  validator.New(),
	}, nil
}

// Broadcast deliver an envelope to the local sinks of a session, and forward
// it over the relay bus when one is attached
func (b *messageBroadcasterImpl) Broadcast(
	ctxt context.Context, sessionID string, envelope Envelope,
) error {
	if err := b.deliver(ctxt, sessionID, envelope); err != nil {
		return err
	}
	if b.bus != nil {
		// Bus delivery is best effort. Local subscribers already have the
		// envelope.
		if err := b.bus.PublishEnvelope(ctxt, sessionID, envelope); err != nil {
			log.WithError(err).WithFields(b.LogTags).Errorf(
				"Unable to forward %s for session %s over relay bus", envelope, sessionID,
			)
		}
	}
	return nil
}

// BroadcastLocal deliver an envelope to the local sinks of a session only
func (b *messageBroadcasterImpl) BroadcastLocal(
	ctxt context.Context, sessionID string, envelope Envelope,
) error {
	return b.deliver(ctxt, sessionID, envelope)
}

// deliver serialize an envelope once and write it to every sink of a session
// concurrently. A sink write failure removes that sink from the registry but
// never fails the broadcast.
func (b *messageBroadcasterImpl) deliver(
	ctxt context.Context, sessionID string, envelope Envelope,
) error {
	if err := b.validate.Struct(&envelope); err != nil {
		return fmt.Errorf("invalid envelope: %w", err)
	}
	payload, err := json.Marshal(&envelope)
	if err != nil {
		return fmt.Errorf("serialize envelope: %w", err)
	}
	sinks := b.registry.Snapshot(sessionID)
	if len(sinks) == 0 {
		log.WithFields(b.LogTags).Debugf(
			"No subscribers on session %s. Dropping %s", sessionID, envelope,
		)
		return nil
	}
	// Fan out without holding any registry lock. Each write is bounded by the
	// sink's own write deadline.
	wg := sync.WaitGroup{}
	for _, sink := range sinks {
		wg.Add(1)
		go func(sink MessageSink) {
			defer wg.Done()
			if err := sink.SendEnvelopePayload(ctxt, payload); err != nil {
				log.WithError(err).WithFields(b.LogTags).Errorf(
					"Delivery of %s to sink %s on session %s failed. Dropping sink",
					envelope,
					sink.SinkID(),
					sessionID,
				)
				b.registry.Unregister(sessionID, sink.SinkID())
			}
		}(sink)
	}
	wg.Wait()
	return nil
}
