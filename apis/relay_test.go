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

package apis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/chatrelay/common"
	"github.com/alwitt/chatrelay/dispatch"
	"github.com/alwitt/chatrelay/storage"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
)

func defineTestRelayHandler(
	t *testing.T, utCtxt context.Context, wg *sync.WaitGroup, testName string,
) (APIRestRelayHandler, storage.MessageStore, dispatch.SessionRegistry) {
	store, err := storage.GetSQLiteMessageStore(filepath.Join(t.TempDir(), "ut-relay.db"))
	assert.Nil(t, err)
	t.Cleanup(func() { _ = store.Close() })

	registry, err := dispatch.GetSessionRegistry(testName)
	assert.Nil(t, err)
	broadcaster, err := dispatch.GetMessageBroadcaster(registry, nil, testName)
	assert.Nil(t, err)
	changeEvents, err := dispatch.GetChangeEventProcessor(utCtxt, broadcaster, 4, testName)
	assert.Nil(t, err)
	assert.Nil(t, changeEvents.Start(wg))

	uut, err := GetAPIRestRelayHandler(
		utCtxt,
		store,
		registry,
		broadcaster,
		changeEvents,
		nil,
		common.RelayServerConfig{
			HTTPSetting: common.HTTPConfig{
				Logging: common.HTTPRequestLogging{RequestIDHeader: "Chatrelay-Request-ID"},
			},
			Endpoints:  common.RelayEndpointConfig{PathPrefix: "/"},
			Subscriber: common.SubscriberConfig{PulseInterval: 30, WriteTimeout: 5, ReadTimeout: 60},
		},
		wg,
	)
	assert.Nil(t, err)
	return uut, store, registry
}

func waitForActiveSessions(registry dispatch.SessionRegistry, count int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if len(registry.ListActiveSessions()) == count {
			return true
		}
		time.Sleep(time.Millisecond * 20)
	}
	return len(registry.ListActiveSessions()) == count
}

func TestRelayMessageAPIs(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)
	testName := "ut-api-relay-message"

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	uut, store, _ := defineTestRelayHandler(t, utCtxt, &wg, testName)

	checkHeader := func(w http.ResponseWriter, reqID string) {
		assert.Equal(reqID, w.Header().Get("Chatrelay-Request-ID"))
		assert.Equal("application/json", w.Header().Get("content-type"))
	}

	// Case 0: check alive and ready
	{
		req, err := http.NewRequest("GET", "/v1/alive", nil)
		assert.Nil(err)

		respRecorder := httptest.NewRecorder()
		handler := uut.AliveHandler()
		handler.ServeHTTP(respRecorder, req)

		assert.Equal(http.StatusOK, respRecorder.Code)
	}
	{
		req, err := http.NewRequest("GET", "/v1/ready", nil)
		assert.Nil(err)

		respRecorder := httptest.NewRecorder()
		handler := uut.ReadyHandler()
		handler.ServeHTTP(respRecorder, req)

		assert.Equal(http.StatusOK, respRecorder.Code)
	}

	// Case 1: submit malformed JSON
	{
		testReqID := uuid.NewString()
		req, err := http.NewRequest(
			"POST", "/v1/relay/message", bytes.NewReader([]byte(`{"sessionId": 42`)),
		)
		assert.Nil(err)
		req.Header.Add("Chatrelay-Request-ID", testReqID)

		respRecorder := httptest.NewRecorder()
		handler := uut.SubmitMessageHandler()
		handler.ServeHTTP(respRecorder, req)

		assert.Equal(http.StatusBadRequest, respRecorder.Code)
		var msg StandardResponse
		assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &msg))
		assert.False(msg.Success)
		assert.Equal(testReqID, msg.RequestID)
		checkHeader(respRecorder, testReqID)
		assert.Equal(http.StatusBadRequest, msg.Error.Code)
	}

	// Case 2: submission missing required fields names them by wire name
	{
		testReqID := uuid.NewString()
		payload, err := json.Marshal(map[string]string{"senderId": "user-1"})
		assert.Nil(err)
		req, err := http.NewRequest("POST", "/v1/relay/message", bytes.NewReader(payload))
		assert.Nil(err)
		req.Header.Add("Chatrelay-Request-ID", testReqID)

		respRecorder := httptest.NewRecorder()
		handler := uut.SubmitMessageHandler()
		handler.ServeHTTP(respRecorder, req)

		assert.Equal(http.StatusBadRequest, respRecorder.Code)
		var msg StandardResponse
		assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &msg))
		assert.False(msg.Success)
		assert.Equal(testReqID, msg.RequestID)
		checkHeader(respRecorder, testReqID)
		assert.Contains(msg.Error.RequiredFields, "sessionId")
		assert.Contains(msg.Error.RequiredFields, "messageText")
		assert.NotContains(msg.Error.RequiredFields, "senderId")
	}

	// Case 3: blank message text after trimming is rejected
	{
		testReqID := uuid.NewString()
		payload, err := json.Marshal(SubmitMessageRequest{
			SessionID: uuid.NewString(), SenderID: "user-1", MessageText: "   \t  ",
		})
		assert.Nil(err)
		req, err := http.NewRequest("POST", "/v1/relay/message", bytes.NewReader(payload))
		assert.Nil(err)
		req.Header.Add("Chatrelay-Request-ID", testReqID)

		respRecorder := httptest.NewRecorder()
		handler := uut.SubmitMessageHandler()
		handler.ServeHTTP(respRecorder, req)

		assert.Equal(http.StatusBadRequest, respRecorder.Code)
		var msg StandardResponse
		assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &msg))
		assert.False(msg.Success)
		checkHeader(respRecorder, testReqID)
		assert.Equal([]string{"messageText"}, msg.Error.RequiredFields)
	}

	// Case 4: valid submission persists with server assigned fields
	testSession := uuid.NewString()
	var persisted storage.Message
	{
		testReqID := uuid.NewString()
		payload, err := json.Marshal(SubmitMessageRequest{
			SessionID: testSession, SenderID: "user-1", MessageText: "hello there",
		})
		assert.Nil(err)
		req, err := http.NewRequest("POST", "/v1/relay/message", bytes.NewReader(payload))
		assert.Nil(err)
		req.Header.Add("Chatrelay-Request-ID", testReqID)

		respRecorder := httptest.NewRecorder()
		handler := uut.SubmitMessageHandler()
		handler.ServeHTTP(respRecorder, req)

		assert.Equal(http.StatusOK, respRecorder.Code)
		var msg APIRestRespOneMessage
		assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &msg))
		assert.True(msg.Success)
		assert.Equal(testReqID, msg.RequestID)
		checkHeader(respRecorder, testReqID)
		assert.NotNil(msg.Message)
		persisted = *msg.Message
		assert.NotEmpty(persisted.ID)
		assert.Equal(testSession, persisted.SessionID)
		assert.Equal("user-1", persisted.SenderID)
		assert.Equal(storage.DefaultRecipient, persisted.RecipientID)
		assert.Equal("hello there", persisted.Message)
		assert.Equal(storage.MessageTypeText, persisted.Type)
		assert.Equal(storage.MessageStatusSent, persisted.Status)
		assert.False(persisted.CreatedAt.IsZero())

		stored, err := store.QueryByID(utCtxt, persisted.ID)
		assert.Nil(err)
		assert.Equal(persisted, stored)
	}

	// Case 5: fetch the message back over the API
	{
		testReqID := uuid.NewString()
		req, err := http.NewRequest(
			"GET", fmt.Sprintf("/v1/relay/message/%s", persisted.ID), nil,
		)
		assert.Nil(err)
		req.Header.Add("Chatrelay-Request-ID", testReqID)

		router := mux.NewRouter()
		respRecorder := httptest.NewRecorder()
		router.HandleFunc("/v1/relay/message/{messageID}", uut.GetMessageHandler())
		router.ServeHTTP(respRecorder, req)

		assert.Equal(http.StatusOK, respRecorder.Code)
		var msg APIRestRespOneMessage
		assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &msg))
		assert.True(msg.Success)
		assert.Equal(testReqID, msg.RequestID)
		checkHeader(respRecorder, testReqID)
		assert.NotNil(msg.Message)
		assert.Equal(persisted, *msg.Message)
	}

	// Case 6: fetch an unknown message
	{
		testReqID := uuid.NewString()
		req, err := http.NewRequest(
			"GET", fmt.Sprintf("/v1/relay/message/%s", uuid.NewString()), nil,
		)
		assert.Nil(err)
		req.Header.Add("Chatrelay-Request-ID", testReqID)

		router := mux.NewRouter()
		respRecorder := httptest.NewRecorder()
		router.HandleFunc("/v1/relay/message/{messageID}", uut.GetMessageHandler())
		router.ServeHTTP(respRecorder, req)

		assert.Equal(http.StatusNotFound, respRecorder.Code)
		var msg StandardResponse
		assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &msg))
		assert.False(msg.Success)
		assert.Equal(testReqID, msg.RequestID)
		checkHeader(respRecorder, testReqID)
		assert.Equal(http.StatusNotFound, msg.Error.Code)
	}

	// Case 7: session listing reflects stored messages, not live subscribers
	{
		testReqID := uuid.NewString()
		req, err := http.NewRequest("GET", "/v1/relay/session", nil)
		assert.Nil(err)
		req.Header.Add("Chatrelay-Request-ID", testReqID)

		respRecorder := httptest.NewRecorder()
		handler := uut.ListSessionsHandler()
		handler.ServeHTTP(respRecorder, req)

		assert.Equal(http.StatusOK, respRecorder.Code)
		var msg APIRestRespSessionList
		assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &msg))
		assert.True(msg.Success)
		checkHeader(respRecorder, testReqID)
		assert.Equal([]string{testSession}, msg.Sessions)
	}
	{
		testReqID := uuid.NewString()
		req, err := http.NewRequest("GET", "/v1/relay/session/active", nil)
		assert.Nil(err)
		req.Header.Add("Chatrelay-Request-ID", testReqID)

		respRecorder := httptest.NewRecorder()
		handler := uut.ListActiveSessionsHandler()
		handler.ServeHTTP(respRecorder, req)

		assert.Equal(http.StatusOK, respRecorder.Code)
		var msg APIRestRespSessionList
		assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &msg))
		assert.True(msg.Success)
		checkHeader(respRecorder, testReqID)
		assert.Empty(msg.Sessions)
	}

	// Case 8: session message history in creation order
	{
		_, err := store.Insert(utCtxt, storage.Message{
			SessionID: testSession, SenderID: "user-2", Message: "second message",
		})
		assert.Nil(err)

		testReqID := uuid.NewString()
		req, err := http.NewRequest(
			"GET", fmt.Sprintf("/v1/relay/session/%s/message", testSession), nil,
		)
		assert.Nil(err)
		req.Header.Add("Chatrelay-Request-ID", testReqID)

		router := mux.NewRouter()
		respRecorder := httptest.NewRecorder()
		router.HandleFunc("/v1/relay/session/{sessionID}/message", uut.GetSessionMessagesHandler())
		router.ServeHTTP(respRecorder, req)

		assert.Equal(http.StatusOK, respRecorder.Code)
		var msg APIRestRespSessionMessages
		assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &msg))
		assert.True(msg.Success)
		checkHeader(respRecorder, testReqID)
		assert.Len(msg.Messages, 2)
		assert.Equal(persisted.ID, msg.Messages[0].ID)
		assert.Equal("second message", msg.Messages[1].Message)
	}

	// Case 9: history of an unknown session is empty, not an error
	{
		testReqID := uuid.NewString()
		req, err := http.NewRequest(
			"GET", fmt.Sprintf("/v1/relay/session/%s/message", uuid.NewString()), nil,
		)
		assert.Nil(err)
		req.Header.Add("Chatrelay-Request-ID", testReqID)

		router := mux.NewRouter()
		respRecorder := httptest.NewRecorder()
		router.HandleFunc("/v1/relay/session/{sessionID}/message", uut.GetSessionMessagesHandler())
		router.ServeHTTP(respRecorder, req)

		assert.Equal(http.StatusOK, respRecorder.Code)
		var msg APIRestRespSessionMessages
		assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &msg))
		assert.True(msg.Success)
		checkHeader(respRecorder, testReqID)
		assert.Empty(msg.Messages)
	}
}

func TestRelaySessionSubscription(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)
	testName := "ut-api-relay-subscribe"

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	uut, _, registry := defineTestRelayHandler(t, utCtxt, &wg, testName)

	router := mux.NewRouter()
	router.HandleFunc("/v1/relay/message", uut.SubmitMessageHandler()).Methods("POST")
	router.HandleFunc("/v1/relay/session/{sessionID}/subscribe", uut.SubscribeHandler()).Methods("GET")
	srv := httptest.NewServer(router)
	defer srv.Close()

	testSession := uuid.NewString()

	// Case 0: subscribe to the session
	wsURL := fmt.Sprintf(
		"%s/v1/relay/session/%s/subscribe", strings.Replace(srv.URL, "http", "ws", 1), testSession,
	)
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	assert.Nil(err)
	defer func() { _ = client.Close() }()

	// Case 1: the first frame is the connected envelope
	{
		assert.Nil(client.SetReadDeadline(time.Now().Add(time.Second * 2)))
		frameType, payload, err := client.ReadMessage()
		assert.Nil(err)
		assert.Equal(websocket.TextMessage, frameType)
		var envelope dispatch.Envelope
		assert.Nil(json.Unmarshal(payload, &envelope))
		assert.Equal(dispatch.EnvelopeTypeConnected, envelope.Type)
		var sessionID string
		assert.Nil(json.Unmarshal(envelope.Body, &sessionID))
		assert.Equal(testSession, sessionID)
	}
	assert.True(waitForActiveSessions(registry, 1, time.Second*2))

	// Case 2: a submitted message arrives as a broadcast envelope
	{
		payload, err := json.Marshal(SubmitMessageRequest{
			SessionID: testSession, SenderID: "user-1", MessageText: "are you there",
		})
		assert.Nil(err)
		resp, err := http.Post(
			fmt.Sprintf("%s/v1/relay/message", srv.URL), "application/json", bytes.NewReader(payload),
		)
		assert.Nil(err)
		assert.Equal(http.StatusOK, resp.StatusCode)
		var submitResp APIRestRespOneMessage
		assert.Nil(json.NewDecoder(resp.Body).Decode(&submitResp))
		assert.Nil(resp.Body.Close())
		assert.True(submitResp.Success)
		assert.NotNil(submitResp.Message)

		assert.Nil(client.SetReadDeadline(time.Now().Add(time.Second * 2)))
		frameType, framePayload, err := client.ReadMessage()
		assert.Nil(err)
		assert.Equal(websocket.TextMessage, frameType)
		var envelope dispatch.Envelope
		assert.Nil(json.Unmarshal(framePayload, &envelope))
		assert.Equal(dispatch.EnvelopeTypeNewMessage, envelope.Type)
		var delivered storage.Message
		assert.Nil(json.Unmarshal(envelope.Body, &delivered))
		assert.Equal(*submitResp.Message, delivered)
	}

	// Case 3: a message on another session does not reach this subscriber
	{
		payload, err := json.Marshal(SubmitMessageRequest{
			SessionID: uuid.NewString(), SenderID: "user-2", MessageText: "wrong room",
		})
		assert.Nil(err)
		resp, err := http.Post(
			fmt.Sprintf("%s/v1/relay/message", srv.URL), "application/json", bytes.NewReader(payload),
		)
		assert.Nil(err)
		assert.Equal(http.StatusOK, resp.StatusCode)
		assert.Nil(resp.Body.Close())

		assert.Nil(client.SetReadDeadline(time.Now().Add(time.Millisecond * 300)))
		_, _, err = client.ReadMessage()
		assert.NotNil(err)
	}

	// Case 4: closing the client clears the session registration
	{
		assert.Nil(client.Close())
		assert.True(waitForActiveSessions(registry, 0, time.Second*2))
	}
}

// observingSink captures broadcast payloads for inspection
type observingSink struct {
	id      string
	session string
	rxed    chan []byte
}

func (s *observingSink) SinkID() string    { return s.id }
func (s *observingSink) SessionID() string { return s.session }
func (s *observingSink) SendEnvelopePayload(_ context.Context, payload []byte) error {
	s.rxed <- payload
	return nil
}

func TestRelayChangeEventIngress(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)
	testName := "ut-api-relay-events"

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	uut, _, registry := defineTestRelayHandler(t, utCtxt, &wg, testName)

	testSession := uuid.NewString()
	sink := &observingSink{
		id: uuid.NewString(), session: testSession, rxed: make(chan []byte, 4),
	}
	registry.Register(testSession, sink)

	nextDelivery := func(timeout time.Duration) ([]byte, bool) {
		select {
		case payload := <-sink.rxed:
			return payload, true
		case <-time.After(timeout):
			return nil, false
		}
	}

	defineEvent := func(eventType string, message storage.Message) []byte {
		record, err := json.Marshal(&message)
		assert.Nil(err)
		payload, err := json.Marshal(storage.ChangeEvent{
			Type: eventType, Table: storage.MessagesTable, Record: record,
		})
		assert.Nil(err)
		return payload
	}

	testMessage := storage.Message{
		ID:          uuid.NewString(),
		SessionID:   testSession,
		SenderID:    "user-1",
		RecipientID: storage.DefaultRecipient,
		Message:     "written behind the relay's back",
		Type:        storage.MessageTypeText,
		Status:      storage.MessageStatusSent,
		CreatedAt:   time.Now().UTC().Truncate(time.Millisecond),
	}

	// Case 0: malformed events are still acknowledged
	{
		testReqID := uuid.NewString()
		req, err := http.NewRequest(
			"POST", "/v1/relay/event", bytes.NewReader([]byte(`{"type": "INSERT"`)),
		)
		assert.Nil(err)
		req.Header.Add("Chatrelay-Request-ID", testReqID)

		respRecorder := httptest.NewRecorder()
		handler := uut.ReceiveChangeEventHandler()
		handler.ServeHTTP(respRecorder, req)

		assert.Equal(http.StatusOK, respRecorder.Code)
		var msg StandardResponse
		assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &msg))
		assert.True(msg.Success)
		assert.Equal(testReqID, msg.RequestID)
	}

	// Case 1: an update event is acknowledged but not rebroadcast. The insert
	// submitted after it must be the next delivery.
	{
		req, err := http.NewRequest(
			"POST", "/v1/relay/event", bytes.NewReader(defineEvent(storage.ChangeEventUpdate, testMessage)),
		)
		assert.Nil(err)

		respRecorder := httptest.NewRecorder()
		handler := uut.ReceiveChangeEventHandler()
		handler.ServeHTTP(respRecorder, req)

		assert.Equal(http.StatusOK, respRecorder.Code)
	}

	// Case 2: an insert event on the messages table is rebroadcast
	{
		req, err := http.NewRequest(
			"POST", "/v1/relay/event", bytes.NewReader(defineEvent(storage.ChangeEventInsert, testMessage)),
		)
		assert.Nil(err)

		respRecorder := httptest.NewRecorder()
		handler := uut.ReceiveChangeEventHandler()
		handler.ServeHTTP(respRecorder, req)

		assert.Equal(http.StatusOK, respRecorder.Code)

		payload, ok := nextDelivery(time.Second * 2)
		assert.True(ok)
		var envelope dispatch.Envelope
		assert.Nil(json.Unmarshal(payload, &envelope))
		assert.Equal(dispatch.EnvelopeTypeNewMessage, envelope.Type)
		var delivered storage.Message
		assert.Nil(json.Unmarshal(envelope.Body, &delivered))
		assert.Equal(testMessage, delivered)
	}

	// Case 3: nothing else was queued behind the insert
	{
		_, ok := nextDelivery(time.Millisecond * 300)
		assert.False(ok)
	}
}
