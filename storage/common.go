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

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound returned when a queried message does not exist
var ErrNotFound = errors.New("message not found")

// DefaultRecipient recipient recorded when a submission names none
const DefaultRecipient = "bot"

// MessageTypeText the only message type this relay produces
const MessageTypeText = "text"

// MessageStatusSent the status assigned to every persisted message
const MessageStatusSent = "sent"

// MessagesTable name of the table holding message records
const MessagesTable = "messages"

// Change feed event types
const (
	// ChangeEventInsert a new record was inserted
	ChangeEventInsert = "INSERT"
	// ChangeEventUpdate an existing record was modified
	ChangeEventUpdate = "UPDATE"
	// ChangeEventDelete an existing record was removed
	ChangeEventDelete = "DELETE"
)

// Message represents one chat message record.
//
// A record is immutable once persisted. ID and CreatedAt are assigned at
// persistence time when the caller leaves them unset.
type Message struct {
	// ID is the server assigned message ID
	ID string `json:"id" validate:"required"`
	// SessionID is the conversation scope this message belongs to
	SessionID string `json:"sessionId" validate:"required"`
	// SenderID identifies who created the message
	SenderID string `json:"senderId" validate:"required"`
	// RecipientID identifies who the message is aimed at
	RecipientID string `json:"recipientId" validate:"required"`
	// Message is the message body text
	Message string `json:"message" validate:"required"`
	// Type is the message type tag
	Type string `json:"type" validate:"required"`
	// Status is the message status tag
	Status string `json:"status" validate:"required"`
	// CreatedAt is when the message was persisted
	CreatedAt time.Time `json:"createdAt"`
}

// ChangeEvent is one mutation event emitted by the durable store's change feed
type ChangeEvent struct {
	// Type is the mutation type: INSERT, UPDATE, or DELETE
	Type string `json:"type" validate:"required,oneof=INSERT UPDATE DELETE"`
	// Table is the mutated table
	Table string `json:"table" validate:"required"`
	// Record is the new row content
	Record json.RawMessage `json:"record,omitempty"`
	// OldRecord is the prior row content for UPDATE and DELETE
	OldRecord json.RawMessage `json:"old_record,omitempty"`
}

// MessageStore interface to the durable message store
type MessageStore interface {
	// Insert persist a new message record, returning the persisted form.
	// Missing ID, CreatedAt, RecipientID, Type, and Status fields are
	// filled with their persistence time defaults first.
	Insert(ctxt context.Context, message Message) (Message, error)
	// QueryBySession fetch all messages of a session in ascending creation
	// time order
	QueryBySession(ctxt context.Context, sessionID string) ([]Message, error)
	// QueryCreatedSince fetch all messages across sessions persisted at or
	// after a point in time, in ascending creation time order
	QueryCreatedSince(ctxt context.Context, since time.Time) ([]Message, error)
	// QueryByID fetch one message by ID. Returns ErrNotFound if no record
	// carries the ID.
	QueryByID(ctxt context.Context, messageID string) (Message, error)
	// ListDistinctSessionIDs fetch the set of session IDs with messages
	ListDistinctSessionIDs(ctxt context.Context) ([]string, error)
	// Ready verify the store connection works
	Ready(ctxt context.Context) error
	// Close release the store connection
	Close() error
}
