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
	"github.com/alwitt/chatrelay/core"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
)

// busFrame is one broadcast envelope crossing the relay bus between relay
// instances
type busFrame struct {
	// Origin identifies the relay instance which published this frame
	Origin string `json:"origin" validate:"required"`
	// SessionID is the session the envelope belongs to
	SessionID string `json:"sessionId" validate:"required"`
	// Envelope is the broadcast payload
	Envelope Envelope `json:"envelope"`
}

// String toString for busFrame
func (f busFrame) String() string {
	return fmt.Sprintf("%s@%s:%s", f.Origin, f.SessionID, f.Envelope)
}

// EnvelopeBusPublisher forwards broadcast envelopes through a NATs subject so
// subscribers attached to other relay instances also receive them
type EnvelopeBusPublisher interface {
	// PublishEnvelope forward a broadcast envelope over the relay bus
	PublishEnvelope(ctxt context.Context, sessionID string, envelope Envelope) error
}

// envelopeBusPublisherImpl implements EnvelopeBusPublisher
type envelopeBusPublisherImpl struct {
	common.Component
	nats     *core.NatsClient
	subject  string
	origin   string
	validate *validator.Validate
}

// GetEnvelopeBusPublisher define EnvelopeBusPublisher
func GetEnvelopeBusPublisher(
	natsClient *core.NatsClient, subject, origin string,
) (EnvelopeBusPublisher, error) {
	logTags := log.Fields{
		"module":    "dispatch",
		"component": "envelope-bus-publisher",
		"bus":       subject,
		"origin":    origin,
	}
	return &envelopeBusPublisherImpl{
		Component: common.Component{LogTags: logTags},
		nats:      natsClient,
		subject:   subject,
		origin:    origin,
		validate:  validator.New(),
	}, nil
}

// PublishEnvelope forward a broadcast envelope over the relay bus
func (p *envelopeBusPublisherImpl) PublishEnvelope(
	ctxt context.Context, sessionID string, envelope Envelope,
) error {
	localLogTags, err := common.UpdateLogTags(ctxt, p.LogTags)
	if err != nil {
		log.WithError(err).WithFields(p.LogTags).Errorf("Failed to update logtags")
		return err
	}
	frame := busFrame{Origin: p.origin, SessionID: sessionID, Envelope: envelope}
	if err := p.validate.Struct(&frame); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Relay bus frame invalid")
		return err
	}
	msg, err := json.Marshal(&frame)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("Unable to serialize %s", frame)
		return err
	}
	log.WithFields(localLogTags).Debugf("Sending %s on %s", frame, p.subject)
	if err := p.nats.NATs().Publish(p.subject, msg); err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Failed to send %s on %s", frame, p.subject,
		)
		return err
	}
	log.WithFields(localLogTags).Debugf("Sent %s on %s", frame, p.subject)
	return nil
}

// ==============================================================================

// EnvelopeBusListener receives broadcast envelopes published by other relay
// instances and replays them against the local session registry
type EnvelopeBusListener interface {
	// StartListening subscribe to the relay bus subject
	StartListening(wg *sync.WaitGroup) error
}

// envelopeBusListenerImpl implements EnvelopeBusListener
type envelopeBusListenerImpl struct {
	common.Component
	nats            *core.NatsClient
	subject         string
	origin          string
	broadcaster     MessageBroadcaster
	subscribed      bool
	busSubscription *nats.Subscription
	lock            *sync.Mutex
	validate        *validator.Validate
	ctxt            context.Context
}

// GetEnvelopeBusListener define EnvelopeBusListener
func GetEnvelopeBusListener(
	opContext context.Context,
	natsClient *core.NatsClient,
	subject, origin string,
	broadcaster MessageBroadcaster,
) (EnvelopeBusListener, error) {
	logTags := log.Fields{
		"module":    "dispatch",
		"component": "envelope-bus-listener",
		"bus":       subject,
		"origin":    origin,
	}
	return &envelopeBusListenerImpl{
		Component:       common.Component{LogTags: logTags},
		nats:            natsClient,
		subject:         subject,
		origin:          origin,
		broadcaster:     broadcaster,
		subscribed:      false,
		busSubscription: nil,
		lock:            new(sync.Mutex),
		validate:        validator.New(),
		ctxt:            opContext,
	}, nil
}

// StartListening subscribe to the relay bus subject
func (l *envelopeBusListenerImpl) StartListening(wg *sync.WaitGroup) error {
	l.lock.Lock()
	defer l.lock.Unlock()
	// Already subscribed
	if l.subscribed {
		return fmt.Errorf("already instructed to subscribe to %s", l.subject)
	}
	l.subscribed = true
	busSub, err := l.nats.NATs().Subscribe(l.subject, func(msg *nats.Msg) {
		var frame busFrame
		if err := json.Unmarshal(msg.Data, &frame); err != nil {
			log.WithError(err).WithFields(l.LogTags).Errorf(
				"Failed to read relay bus frame: %s", msg.Data,
			)
			return
		}
		if err := l.validate.Struct(&frame); err != nil {
			log.WithError(err).WithFields(l.LogTags).Errorf(
				"Failed to validate relay bus frame: %s", msg.Data,
			)
			return
		}
		// Frames this instance published already reached the local
		// subscribers. Replaying them would deliver twice.
		if frame.Origin == l.origin {
			log.WithFields(l.LogTags).Debugf("Skipping own %s", frame)
			return
		}
		log.WithFields(l.LogTags).Debugf("Received %s", frame)
		if err := l.broadcaster.BroadcastLocal(l.ctxt, frame.SessionID, frame.Envelope); err != nil {
			log.WithError(err).WithFields(l.LogTags).Errorf("Failed to replay %s", frame)
		}
	})
	if err != nil {
		log.WithError(err).WithFields(l.LogTags).Errorf(
			"Failed to subscribe to relay bus %s", l.subject,
		)
		return err
	}
	l.busSubscription = busSub
	// Handler to automatically un-subscribe once the context is over
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-l.ctxt.Done()
		log.WithFields(l.LogTags).Debugf("Unsubscribing from relay bus %s", l.subject)
		if err := l.busSubscription.Unsubscribe(); err != nil {
			log.WithError(err).WithFields(l.LogTags).Errorf(
				"Error occurred when unsubscribing from relay bus %s", l.subject,
			)
		}
		log.WithFields(l.LogTags).Infof("Unsubscribed from relay bus %s", l.subject)
	}()
	return nil
}
