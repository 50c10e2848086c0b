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
	"sort"
	"sync"

	"github.com/alwitt/chatrelay/common"
	"github.com/apex/log"
)

// SessionRegistry tracks the live message sinks of each chat session
type SessionRegistry interface {
	// Register associate a sink with a session
	Register(sessionID string, sink MessageSink)
	// Unregister remove a sink from a session. Unknown IDs are ignored.
	Unregister(sessionID string, sinkID string)
	// Snapshot fetch the current sinks of a session
	Snapshot(sessionID string) []MessageSink
	// ListActiveSessions fetch the IDs of all sessions with at least one sink
	ListActiveSessions() []string
}

// sessionRegistryImpl implements SessionRegistry
type sessionRegistryImpl struct {
	common.Component
	lock sync.RWMutex
	// sessions is keyed session ID, then sink ID
	sessions map[string]map[string]MessageSink
}

// GetSessionRegistry define a new session registry
func GetSessionRegistry(instance string) (SessionRegistry, error) {
	logTags := log.Fields{
		"module": "dispatch", "component": "session-registry", "instance": instance,
	}
	return &sessionRegistryImpl{
		Component: common.Component{LogTags: logTags},
		sessions:  make(map[string]map[string]MessageSink),
	}, nil
}

// Register associate a sink with a session
func (r *sessionRegistryImpl) Register(sessionID string, sink MessageSink) {
	r.lock.Lock()
	defer r.lock.Unlock()
	sinks, ok := r.sessions[sessionID]
	if !ok {
		sinks = make(map[string]MessageSink)
		r.sessions[sessionID] = sinks
	}
	sinks[sink.SinkID()] = sink
	log.WithFields(r.LogTags).Debugf(
		"Registered sink %s on session %s", sink.SinkID(), sessionID,
	)
}

// Unregister remove a sink from a session. Unknown IDs are ignored.
func (r *sessionRegistryImpl) Unregister(sessionID string, sinkID string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	sinks, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	if _, ok := sinks[sinkID]; !ok {
		return
	}
	delete(sinks, sinkID)
	// A session with no sinks is no longer active
	if len(sinks) == 0 {
		delete(r.sessions, sessionID)
	}
	log.WithFields(r.LogTags).Debugf(
		"Unregistered sink %s from session %s", sinkID, sessionID,
	)
}

// Snapshot fetch the current sinks of a session
func (r *sessionRegistryImpl) Snapshot(sessionID string) []MessageSink {
	r.lock.RLock()
	defer r.lock.RUnlock()
	sinks, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}
	result := make([]MessageSink, 0, len(sinks))
	for _, sink := range sinks {
		result = append(result, sink)
	}
	return result
}

// ListActiveSessions fetch the IDs of all sessions with at least one sink
func (r *sessionRegistryImpl) ListActiveSessions() []string {
	r.lock.RLock()
	defer r.lock.RUnlock()
	result := make([]string, 0, len(r.sessions))
	for sessionID := range r.sessions {
		result = append(result, sessionID)
	}
	sort.Strings(result)
	return result
}
