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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"sync"

	"github.com/alwitt/chatrelay/common"
	"github.com/alwitt/chatrelay/core"
	"github.com/alwitt/chatrelay/dispatch"
	"github.com/alwitt/chatrelay/storage"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// SubmitMessageRequest is the direct write request payload
type SubmitMessageRequest struct {
	// SessionID is the session the message belongs to
	SessionID string `json:"sessionId" validate:"required"`
	// SenderID identifies the message sender
	SenderID string `json:"senderId" validate:"required"`
	// MessageText is the message body. Must not be blank after trimming.
	MessageText string `json:"messageText" validate:"required"`
	// RecipientID optionally identifies the message recipient
	RecipientID string `json:"recipientId,omitempty"`
}

// APIRestRelayHandler REST handler for the chat relay
type APIRestRelayHandler struct {
	APIRestHandler
	store            storage.MessageStore
	registry         dispatch.SessionRegistry
	broadcaster      dispatch.MessageBroadcaster
	changeEvents     dispatch.ChangeEventProcessor
	natsClient       *core.NatsClient
	subscriberConfig common.SubscriberConfig
	upgrader         websocket.Upgrader
	validate         *validator.Validate
	baseContext      context.Context
	wg               *sync.WaitGroup
}

// GetAPIRestRelayHandler define APIRestRelayHandler
func GetAPIRestRelayHandler(
	baseContext context.Context,
	messageStore storage.MessageStore,
	registry dispatch.SessionRegistry,
	broadcaster dispatch.MessageBroadcaster,
	changeEvents dispatch.ChangeEventProcessor,
	natsClient *core.NatsClient,
	serverConfig common.RelayServerConfig,
	wg *sync.WaitGroup,
) (APIRestRelayHandler, error) {
	logTags := log.Fields{
		"module":    "rest",
		"component": "chat-relay",
	}
	validate := validator.New()
	// Report failed fields by their wire names
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return APIRestRelayHandler{
		APIRestHandler:   getAPIRestHandler(logTags, serverConfig.HTTPSetting.Logging),
		store:            messageStore,
		registry:         registry,
		broadcaster:      broadcaster,
		changeEvents:     changeEvents,
		natsClient:       natsClient,
		subscriberConfig: serverConfig.Subscriber,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Subscriptions carry no credentials, so cross origin browser
			// clients are acceptable
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		validate:    validate,
		baseContext: baseContext,
		wg:          wg,
	}, nil
}

// =======================================================================
// Message submission

// -----------------------------------------------------------------------

// APIRestRespOneMessage response wrapping one message record
type APIRestRespOneMessage struct {
	StandardResponse
	// Message is the message record
	Message *storage.Message `json:"message,omitempty"`
}

// SubmitMessage godoc
// @Summary Submit a new chat message
// @Description Persist a new chat message against a session and broadcast it
// to the session's subscribers
// @tags Relay
// @Accept json
// @Produce json
// @Param Chatrelay-Request-ID header string false "User provided request ID to match against logs"
// @Param message body SubmitMessageRequest true "Message to submit"
// @Success 200 {object} APIRestRespOneMessage "success"
// @Failure 400 {object} StandardResponse "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} StandardResponse "error"
// @Header 200,400,500 {string} Chatrelay-Request-ID "Request ID to match against logs"
// @Router /v1/relay/message [post]
func (h APIRestRelayHandler) SubmitMessage(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	var request SubmitMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	// Validate input
	if err := h.validate.Struct(&request); err != nil {
		msg := "Request missing required fields"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTValidationErrorMsg(r.Context(), msg, err)
		return
	}
	if strings.TrimSpace(request.MessageText) == "" {
		msg := "Message text blank after trimming"
		log.WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		resp := h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		resp.Error.RequiredFields = []string{"messageText"}
		respBody = resp
		return
	}

	// Persist the message. The store assigns ID, timestamp, and the fixed
	// type / status / recipient defaults.
	persisted, err := h.store.Insert(r.Context(), storage.Message{
		SessionID:   request.SessionID,
		SenderID:    request.SenderID,
		RecipientID: request.RecipientID,
		Message:     request.MessageText,
	})
	if err != nil {
		msg := "Unable to persist message"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	// Broadcast the persisted record to the session's subscribers
	envelope, err := dispatch.NewMessageEnvelope(persisted)
	if err != nil {
		msg := "Unable to define broadcast envelope"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}
	if err := h.broadcaster.Broadcast(r.Context(), persisted.SessionID, envelope); err != nil {
		msg := fmt.Sprintf("Unable to broadcast message %s", persisted.ID)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespOneMessage{
		StandardResponse: h.GetStdRESTSuccessMsg(r.Context()), Message: &persisted,
	}
}

// SubmitMessageHandler Wrapper around SubmitMessage
func (h APIRestRelayHandler) SubmitMessageHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.SubmitMessage(w, r)
	})
}

// -----------------------------------------------------------------------

// GetMessage godoc
// @Summary Fetch one message
// @Description Fetch a single message record by its ID
// @tags Relay
// @Produce json
// @Param Chatrelay-Request-ID header string false "User provided request ID to match against logs"
// @Param messageID path string true "Message ID"
// @Success 200 {object} APIRestRespOneMessage "success"
// @Failure 400 {object} StandardResponse "error"
// @Failure 404 {object} StandardResponse "error"
// @Failure 500 {object} StandardResponse "error"
// @Header 200,400,404,500 {string} Chatrelay-Request-ID "Request ID to match against logs"
// @Router /v1/relay/message/{messageID} [get]
func (h APIRestRelayHandler) GetMessage(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	vars := mux.Vars(r)
	messageID, ok := vars["messageID"]
	if !ok {
		msg := "No message ID provided"
		log.WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}

	message, err := h.store.QueryByID(r.Context(), messageID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			msg := fmt.Sprintf("No message with ID %s", messageID)
			log.WithFields(localLogTags).Info(msg)
			respCode = http.StatusNotFound
			respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusNotFound, msg, msg)
			return
		}
		msg := fmt.Sprintf("Unable to query for message %s", messageID)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespOneMessage{
		StandardResponse: h.GetStdRESTSuccessMsg(r.Context()), Message: &message,
	}
}

// GetMessageHandler Wrapper around GetMessage
func (h APIRestRelayHandler) GetMessageHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.GetMessage(w, r)
	})
}

// =======================================================================
// Session queries

// -----------------------------------------------------------------------

// APIRestRespSessionList response wrapping a list of session IDs
type APIRestRespSessionList struct {
	StandardResponse
	// Sessions is the list of session IDs
	Sessions []string `json:"sessions"`
}

// ListSessions godoc
// @Summary List known sessions
// @Description List the distinct session IDs present in the message store
// @tags Relay
// @Produce json
// @Param Chatrelay-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespSessionList "success"
// @Failure 400 {object} StandardResponse "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} StandardResponse "error"
// @Header 200,400,500 {string} Chatrelay-Request-ID "Request ID to match against logs"
// @Router /v1/relay/session [get]
func (h APIRestRelayHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	sessions, err := h.store.ListDistinctSessionIDs(r.Context())
	if err != nil {
		msg := "Unable to list sessions"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespSessionList{
		StandardResponse: h.GetStdRESTSuccessMsg(r.Context()), Sessions: sessions,
	}
}

// ListSessionsHandler Wrapper around ListSessions
func (h APIRestRelayHandler) ListSessionsHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.ListSessions(w, r)
	})
}

// -----------------------------------------------------------------------

// ListActiveSessions godoc
// @Summary List sessions with live subscribers
// @Description List the session IDs currently holding at least one live
// subscriber on this instance. Diagnostics support.
// @tags Relay
// @Produce json
// @Param Chatrelay-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespSessionList "success"
// @Failure 400 {object} StandardResponse "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} StandardResponse "error"
// @Header 200,400,500 {string} Chatrelay-Request-ID "Request ID to match against logs"
// @Router /v1/relay/session/active [get]
func (h APIRestRelayHandler) ListActiveSessions(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	respCode = http.StatusOK
	respBody = APIRestRespSessionList{
		StandardResponse: h.GetStdRESTSuccessMsg(r.Context()),
		Sessions:         h.registry.ListActiveSessions(),
	}
}

// ListActiveSessionsHandler Wrapper around ListActiveSessions
func (h APIRestRelayHandler) ListActiveSessionsHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.ListActiveSessions(w, r)
	})
}

// -----------------------------------------------------------------------

// APIRestRespSessionMessages response wrapping the messages of one session
type APIRestRespSessionMessages struct {
	StandardResponse
	// Messages are the session's messages in ascending creation order
	Messages []storage.Message `json:"messages"`
}

// GetSessionMessages godoc
// @Summary Fetch the messages of a session
// @Description Fetch all messages of one session in ascending creation order
// @tags Relay
// @Produce json
// @Param Chatrelay-Request-ID header string false "User provided request ID to match against logs"
// @Param sessionID path string true "Session ID"
// @Success 200 {object} APIRestRespSessionMessages "success"
// @Failure 400 {object} StandardResponse "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} StandardResponse "error"
// @Header 200,400,500 {string} Chatrelay-Request-ID "Request ID to match against logs"
// @Router /v1/relay/session/{sessionID}/message [get]
func (h APIRestRelayHandler) GetSessionMessages(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	vars := mux.Vars(r)
	sessionID, ok := vars["sessionID"]
	if !ok {
		msg := "No session ID provided"
		log.WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}

	messages, err := h.store.QueryBySession(r.Context(), sessionID)
	if err != nil {
		msg := fmt.Sprintf("Unable to query messages of session %s", sessionID)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespSessionMessages{
		StandardResponse: h.GetStdRESTSuccessMsg(r.Context()), Messages: messages,
	}
}

// GetSessionMessagesHandler Wrapper around GetSessionMessages
func (h APIRestRelayHandler) GetSessionMessagesHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.GetSessionMessages(w, r)
	})
}

// =======================================================================
// Session subscription

// -----------------------------------------------------------------------

// Subscribe godoc
// @Summary Subscribe to a session
// @Description Upgrade the connection to a WebSocket subscription on one
// session. The first frame carries a "connected" envelope; every message
// created against the session afterwards arrives as a "NEW_MESSAGE"
// envelope. The channel stays open until the client disconnects or the
// server shuts down.
// @tags Relay
// @Produce json
// @Param Chatrelay-Request-ID header string false "User provided request ID to match against logs"
// @Param sessionID path string true "Session ID"
// @Success 101 {string} string "connection upgraded"
// @Failure 400 {object} StandardResponse "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} StandardResponse "error"
// @Router /v1/relay/session/{sessionID}/subscribe [get]
func (h APIRestRelayHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	replied := false
	defer func() {
		// After the upgrade the connection no longer speaks HTTP
		if replied {
			return
		}
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	vars := mux.Vars(r)
	sessionID, ok := vars["sessionID"]
	if !ok {
		msg := "No session ID provided"
		log.WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error
		replied = true
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Subscription upgrade on session %s failed", sessionID,
		)
		return
	}
	replied = true

	// The subscription outlives this request, so it runs against the server
	// base context rather than the request context
	subscriber, err := dispatch.GetSubscriberSession(
		h.baseContext, sessionID, conn, h.registry, h.subscriberConfig, h.wg,
	)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Unable to define subscriber session on session %s", sessionID,
		)
		_ = conn.Close()
		return
	}
	if err := subscriber.Start(); err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Unable to start subscriber session on session %s", sessionID,
		)
		return
	}
	log.WithFields(localLogTags).Infof(
		"Subscriber %s attached to session %s", subscriber.SinkID(), sessionID,
	)
}

// SubscribeHandler Wrapper around Subscribe
func (h APIRestRelayHandler) SubscribeHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.Subscribe(w, r)
	})
}

// =======================================================================
// Change notification ingress

// -----------------------------------------------------------------------

// ReceiveChangeEvent godoc
// @Summary Receive a store change notification
// @Description Receive one change notification event from the durable store.
// The event is acknowledged unconditionally; insertions into the messages
// table are rebroadcast to session subscribers asynchronously, and any
// processing failure is logged without reaching the event source.
// @tags Relay
// @Accept json
// @Produce json
// @Param Chatrelay-Request-ID header string false "User provided request ID to match against logs"
// @Param event body storage.ChangeEvent true "Change notification event"
// @Success 200 {object} StandardResponse "success"
// @Failure 404 {string} string "error"
// @Header 200 {string} Chatrelay-Request-ID "Request ID to match against logs"
// @Router /v1/relay/event [post]
func (h APIRestRelayHandler) ReceiveChangeEvent(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	// The event source gets an acknowledgement regardless of what happens
	// with the event
	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())

	var event storage.ChangeEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Unable to parse change event")
		return
	}
	if err := h.changeEvents.Submit(r.Context(), event); err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Unable to queue %s change event on table %s", event.Type, event.Table,
		)
	}
}

// ReceiveChangeEventHandler Wrapper around ReceiveChangeEvent
func (h APIRestRelayHandler) ReceiveChangeEventHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.ReceiveChangeEvent(w, r)
	})
}

// =======================================================================
// Health check

// -----------------------------------------------------------------------

// Alive godoc
// @Summary For liveness check
// @Description Will return success to indicate the relay REST API module is live
// @tags Relay
// @Produce json
// @Success 200 {object} StandardResponse "success"
// @Failure 400 {string} string "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} StandardResponse "error"
// @Router /v1/alive [get]
func (h APIRestRelayHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestRelayHandler) AliveHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	})
}

// -----------------------------------------------------------------------

// Ready godoc
// @Summary For readiness check
// @Description Will return success once the message store (and the relay bus
// when enabled) is reachable
// @tags Relay
// @Produce json
// @Success 200 {object} StandardResponse "success"
// @Failure 400 {string} string "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} StandardResponse "error"
// @Router /v1/ready [get]
func (h APIRestRelayHandler) Ready(w http.ResponseWriter, r *http.Request) {
	msg := "not ready"
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if err := h.store.Ready(r.Context()); err != nil {
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}
	if h.natsClient != nil && !h.natsClient.Connected() {
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(
			r.Context(), http.StatusInternalServerError, msg, "relay bus disconnected",
		)
		return
	}
	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// ReadyHandler Wrapper around Ready
func (h APIRestRelayHandler) ReadyHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	})
}
