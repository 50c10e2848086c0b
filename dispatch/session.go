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
	"time"

	"github.com/alwitt/chatrelay/common"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// maxSubscriberFrameSize bounds inbound frames. Subscribers only send
// control traffic, so anything large is a misbehaving client.
const maxSubscriberFrameSize = 1024

// SubscriberConnection is the subset of *websocket.Conn a subscriber session
// drives
type SubscriberConnection interface {
	// WriteMessage write one frame of the given type
	WriteMessage(messageType int, data []byte) error
	// SetWriteDeadline bound the next writes
	SetWriteDeadline(t time.Time) error
	// ReadMessage read the next data frame
	ReadMessage() (int, []byte, error)
	// SetReadLimit cap the inbound frame size
	SetReadLimit(limit int64)
	// SetReadDeadline bound the next reads
	SetReadDeadline(t time.Time) error
	// SetPongHandler install the PONG control frame callback
	SetPongHandler(h func(appData string) error)
	// Close tear the connection down
	Close() error
}

// SubscriberSession is one subscriber's connection to a chat session.
//
// The session is also the MessageSink the registry fans broadcasts out
// through. Its life cycle is
//
//	handshaking: send the "connected" envelope as the very first frame
//	open: registered with the registry, relaying envelopes, pulsing
//	closing: deregistered, connection torn down
type SubscriberSession interface {
	MessageSink
	// Start perform the subscription handshake and begin relaying
	Start() error
	// Close tear the session down. Safe to call multiple times and from
	// multiple goroutines; only the first call acts.
	Close(reason string)
}

// subscriberSessionImpl implements SubscriberSession
type subscriberSessionImpl struct {
	common.Component
	sessionID string
	sinkID    string
	conn      SubscriberConnection
	registry  SessionRegistry
	pulse     common.IntervalTimer
	// writeLock serializes handshake, pulse, and broadcast writes
	writeLock     sync.Mutex
	closeLock     sync.Mutex
	closed        bool
	done          chan bool
	pulseInterval time.Duration
	writeTimeout  time.Duration
	readTimeout   time.Duration
	rootContext   context.Context
	wg            *sync.WaitGroup
}

// GetSubscriberSession define a new subscriber session around an accepted
// connection
func GetSubscriberSession(
	rootCtxt context.Context,
	sessionID string,
	conn SubscriberConnection,
	registry SessionRegistry,
	config common.SubscriberConfig,
	wg *sync.WaitGroup,
) (SubscriberSession, error) {
	sinkID := uuid.NewString()
	logTags := log.Fields{
		"module":    "dispatch",
		"component": "subscriber-session",
		"session":   sessionID,
		"sink":      sinkID,
	}
	pulse, err := common.GetIntervalTimerInstance(
		fmt.Sprintf("pulse-%s", sinkID), rootCtxt, wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define liveness pulse timer")
		return nil, err
	}
	return &subscriberSessionImpl{
		Component:     common.Component{LogTags: logTags},
		sessionID:     sessionID,
		sinkID:        sinkID,
		conn:          conn,
		registry:      registry,
		pulse:         pulse,
		closed:        false,
		done:          make(chan bool),
		pulseInterval: time.Second * time.Duration(config.PulseInterval),
		writeTimeout:  time.Second * time.Duration(config.WriteTimeout),
		readTimeout:   time.Second * time.Duration(config.ReadTimeout),
		rootContext:   rootCtxt,
		wg:            wg,
	}, nil
}

// SinkID uniquely identifies this sink
func (s *subscriberSessionImpl) SinkID() string {
	return s.sinkID
}

// SessionID is the session this sink is subscribed to
func (s *subscriberSessionImpl) SessionID() string {
	return s.sessionID
}

// Start perform the subscription handshake and begin relaying.
//
// The "connected" envelope goes out before the sink is visible to the
// registry, so it is always the first frame a subscriber observes.
func (s *subscriberSessionImpl) Start() error {
	handshake, err := NewConnectedEnvelope(s.sessionID)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to define handshake envelope")
		s.Close("handshake failed")
		return err
	}
	payload, err := json.Marshal(&handshake)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to serialize handshake envelope")
		s.Close("handshake failed")
		return err
	}
	if err := s.writeFrame(websocket.TextMessage, payload); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Handshake write failed")
		s.Close("handshake failed")
		return err
	}
	s.registry.Register(s.sessionID, s)
	if err := s.pulse.Start(s.pulseInterval, s.sendPulse, false); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to start liveness pulse")
		s.Close("liveness pulse failed")
		return err
	}
	// Inbound frames carry no application data, but the read loop notices
	// when the peer goes away and keeps PONG control frames flowing.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.conn.SetReadLimit(maxSubscriberFrameSize)
		_ = s.conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		s.conn.SetPongHandler(func(string) error {
			return s.conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		})
		for {
			if _, _, err := s.conn.ReadMessage(); err != nil {
				log.WithError(err).WithFields(s.LogTags).Debug("Subscriber read loop ended")
				s.Close("connection closed by remote")
				return
			}
		}
	}()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-s.rootContext.Done():
			s.Close("server shutting down")
		case <-s.done:
		}
	}()
	log.WithFields(s.LogTags).Info("Subscription open")
	return nil
}

// SendEnvelopePayload write one serialized envelope to the client
func (s *subscriberSessionImpl) SendEnvelopePayload(
	ctxt context.Context, payload []byte,
) error {
	if err := ctxt.Err(); err != nil {
		return err
	}
	if err := s.writeFrame(websocket.TextMessage, payload); err != nil {
		s.Close("envelope write failed")
		return err
	}
	return nil
}

// sendPulse write one PING control frame to verify the client is live
func (s *subscriberSessionImpl) sendPulse() error {
	if err := s.writeFrame(websocket.PingMessage, nil); err != nil {
		log.WithError(err).WithFields(s.LogTags).Debug("Liveness pulse write failed")
		s.Close("liveness pulse failed")
		return err
	}
	return nil
}

// writeFrame write one frame under the shared write lock with a deadline
func (s *subscriberSessionImpl) writeFrame(frameType int, payload []byte) error {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(frameType, payload)
}

// Close tear the session down. Only the first call acts.
func (s *subscriberSessionImpl) Close(reason string) {
	s.closeLock.Lock()
	if s.closed {
		s.closeLock.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	s.closeLock.Unlock()
	log.WithFields(s.LogTags).Infof("Closing subscription: %s", reason)
	if err := s.pulse.Stop(); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to stop liveness pulse")
	}
	s.registry.Unregister(s.sessionID, s.sinkID)
	if err := s.conn.Close(); err != nil {
		log.WithError(err).WithFields(s.LogTags).Debug("Connection close failed")
	}
}
