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
	"reflect"
	"sync"

	"github.com/alwitt/chatrelay/common"
	"github.com/alwitt/chatrelay/storage"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// ChangeEventProcessor consumes store change notifications and rebroadcasts
// newly inserted messages to their session subscribers.
//
// Events are processed on a single event loop, so notifications arriving
// concurrently are handled one at a time.
type ChangeEventProcessor interface {
	// Submit queue one change event for processing
	Submit(ctxt context.Context, event storage.ChangeEvent) error
	// Start begin processing queued change events
	Start(wg *sync.WaitGroup) error
	// Stop end change event processing
	Stop() error
}

// changeEventProcessorImpl implements ChangeEventProcessor
type changeEventProcessorImpl struct {
	common.Component
	broadcaster      MessageBroadcaster
	tp               common.TaskProcessor
	operationContext context.Context
	lock             *sync.Mutex
	started          bool
	validate         *validator.Validate
}

// GetChangeEventProcessor define a new change event processor
func GetChangeEventProcessor(
	rootCtxt context.Context,
	broadcaster MessageBroadcaster,
	taskBuffer int,
	instance string,
) (ChangeEventProcessor, error) {
	logTags := log.Fields{
		"module": "dispatch", "component": "change-event-processor", "instance": instance,
	}
	tp, err := common.GetNewTaskProcessorInstance(
		fmt.Sprintf("change-events-%s", instance), taskBuffer, rootCtxt,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define task processor")
		return nil, err
	}
	worker := &changeEventProcessorImpl{
		Component:        common.Component{LogTags: logTags},
		broadcaster:      broadcaster,
		tp:               tp,
		operationContext: rootCtxt,
		lock:             &sync.Mutex{},
		started:          false,
		validate:         validator.New(),
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(processChangeEventRequest{}), worker.processChangeEvent,
	); err != nil {
		return nil, err
	}
	return worker, nil
}

// Start begin processing queued change events
func (p *changeEventProcessorImpl) Start(wg *sync.WaitGroup) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.started {
		return fmt.Errorf("already started")
	}
	if err := p.tp.StartEventLoop(wg); err != nil {
		log.WithError(err).WithFields(p.LogTags).Error("Failed to start task processor")
		return err
	}
	p.started = true
	return nil
}

// Stop end change event processing
func (p *changeEventProcessorImpl) Stop() error {
	return p.tp.StopEventLoop()
}

// ----------------------------------------------------------------------------------------

type processChangeEventRequest struct {
	event storage.ChangeEvent
}

// Submit queue one change event for processing
func (p *changeEventProcessorImpl) Submit(
	ctxt context.Context, event storage.ChangeEvent,
) error {
	if err := p.tp.Submit(ctxt, processChangeEventRequest{event: event}); err != nil {
		log.WithError(err).WithFields(p.LogTags).Errorf(
			"Failed to submit %s change event on table %s", event.Type, event.Table,
		)
		return err
	}
	return nil
}

func (p *changeEventProcessorImpl) processChangeEvent(param interface{}) error {
	request, ok := param.(processChangeEventRequest)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for change event", reflect.TypeOf(param),
		)
	}
	return p.ProcessChangeEvent(request.event)
}

// ProcessChangeEvent handle one change event. Only INSERT events against the
// messages table rebroadcast; everything else is discarded.
func (p *changeEventProcessorImpl) ProcessChangeEvent(event storage.ChangeEvent) error {
	if err := p.validate.Struct(&event); err != nil {
		return fmt.Errorf("invalid change event: %w", err)
	}
	if event.Type != storage.ChangeEventInsert || event.Table != storage.MessagesTable {
		log.WithFields(p.LogTags).Debugf(
			"Discarding %s change event on table %s", event.Type, event.Table,
		)
		return nil
	}
	var message storage.Message
	if err := json.Unmarshal(event.Record, &message); err != nil {
		return fmt.Errorf("parse change event record: %w", err)
	}
	if err := p.validate.Struct(&message); err != nil {
		return fmt.Errorf("invalid message record in change event: %w", err)
	}
	envelope, err := NewMessageEnvelope(message)
	if err != nil {
		return err
	}
	log.WithFields(p.LogTags).Debugf(
		"Rebroadcasting message %s on session %s", message.ID, message.SessionID,
	)
	return p.broadcaster.Broadcast(p.operationContext, message.SessionID, envelope)
}
