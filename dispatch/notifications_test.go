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
	"testing"
	"time"

	"github.com/alwitt/chatrelay/storage"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

type observedBroadcast struct {
	sessionID string
	envelope  Envelope
}

// testBroadcaster is a MessageBroadcaster forwarding observed broadcasts to
// a channel
type testBroadcaster struct {
	broadcasts chan observedBroadcast
}

func (b *testBroadcaster) Broadcast(
	_ context.Context, sessionID string, envelope Envelope,
) error {
	b.broadcasts <- observedBroadcast{sessionID: sessionID, envelope: envelope}
	return nil
}

func (b *testBroadcaster) BroadcastLocal(
	ctxt context.Context, sessionID string, envelope Envelope,
) error {
	return b.Broadcast(ctxt, sessionID, envelope)
}

func (b *testBroadcaster) next(timeout time.Duration) (observedBroadcast, error) {
	select {
	case observed := <-b.broadcasts:
		return observed, nil
	case <-time.After(timeout):
		return observedBroadcast{}, fmt.Errorf("no broadcast observed within %s", timeout)
	}
}

func defineTestChangeEvent(
	t *testing.T, eventType, table string, message storage.Message,
) storage.ChangeEvent {
	record, err := json.Marshal(&message)
	assert.Nil(t, err)
	return storage.ChangeEvent{Type: eventType, Table: table, Record: record}
}

func defineTestMessage(sessionID string) storage.Message {
	return storage.Message{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		SenderID:    uuid.NewString(),
		RecipientID: storage.DefaultRecipient,
		Message:     fmt.Sprintf("Hello %s", uuid.NewString()),
		Type:        storage.MessageTypeText,
		Status:      storage.MessageStatusSent,
		CreatedAt:   time.Now().UTC().Truncate(time.Millisecond),
	}
}

func TestChangeEventProcessing(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	broadcaster := &testBroadcaster{broadcasts: make(chan observedBroadcast, 8)}
	uut, err := GetChangeEventProcessor(utCtxt, broadcaster, 4, "ut-change-events")
	assert.Nil(err)
	assert.Nil(uut.Start(&wg))

	// Case 0: an inserted message is rebroadcast to its session
	{
		message := defineTestMessage(uuid.NewString())
		event := defineTestChangeEvent(
			t, storage.ChangeEventInsert, storage.MessagesTable, message,
		)
		assert.Nil(uut.Submit(utCtxt, event))
		observed, err := broadcaster.next(time.Second)
		assert.Nil(err)
		assert.Equal(message.SessionID, observed.sessionID)
		assert.Equal(EnvelopeTypeNewMessage, observed.envelope.Type)
		var rebroadcast storage.Message
		assert.Nil(json.Unmarshal(observed.envelope.Body, &rebroadcast))
		assert.Equal(message, rebroadcast)
	}

	// Case 1: non INSERT events are discarded
	{
		message := defineTestMessage(uuid.NewString())
		event := defineTestChangeEvent(
			t, storage.ChangeEventUpdate, storage.MessagesTable, message,
		)
		assert.Nil(uut.Submit(utCtxt, event))
	}

	// Case 2: events against other tables are discarded
	{
		message := defineTestMessage(uuid.NewString())
		event := defineTestChangeEvent(t, storage.ChangeEventInsert, "profiles", message)
		assert.Nil(uut.Submit(utCtxt, event))
	}

	// Case 3: malformed records never reach the broadcaster
	{
		event := storage.ChangeEvent{
			Type:   storage.ChangeEventInsert,
			Table:  storage.MessagesTable,
			Record: json.RawMessage(`{"sessionId": 42`),
		}
		assert.Nil(uut.Submit(utCtxt, event))
	}

	// Case 4: events are processed in order, so the next rebroadcast is the
	// next valid insert
	{
		message := defineTestMessage(uuid.NewString())
		event := defineTestChangeEvent(
			t, storage.ChangeEventInsert, storage.MessagesTable, message,
		)
		assert.Nil(uut.Submit(utCtxt, event))
		observed, err := broadcaster.next(time.Second)
		assert.Nil(err)
		assert.Equal(message.SessionID, observed.sessionID)
	}

	// Case 5: submissions after Stop are refused
	{
		assert.Nil(uut.Stop())
		time.Sleep(time.Millisecond * 50)
		message := defineTestMessage(uuid.NewString())
		event := defineTestChangeEvent(
			t, storage.ChangeEventInsert, storage.MessagesTable, message,
		)
		assert.NotNil(uut.Submit(utCtxt, event))
	}
}

func TestChangeEventProcessorStartGuard(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	broadcaster := &testBroadcaster{broadcasts: make(chan observedBroadcast, 8)}
	uut, err := GetChangeEventProcessor(utCtxt, broadcaster, 4, "ut-change-events-guard")
	assert.Nil(err)

	// Case 0: double start is refused
	{
		assert.Nil(uut.Start(&wg))
		assert.NotNil(uut.Start(&wg))
	}
}
