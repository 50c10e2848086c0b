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

// change_feed tails the relay's message store and forwards newly persisted
// rows to a relay instance as INSERT change notification events. It stands in
// for a native store change feed when rows reach the store without passing
// through the relay's submission endpoint. Rows that already reached
// subscribers through that endpoint arrive a second time; the relay does not
// dedupe.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/alwitt/chatrelay/common"
	"github.com/alwitt/chatrelay/storage"
	"github.com/apex/log"
	apexJSON "github.com/apex/log/handlers/json"
	"github.com/go-playground/validator/v10"
	"github.com/urfave/cli/v2"
)

type cmdArgs struct {
	JSONLog      bool
	LogLevel     string `validate:"required,oneof=debug info warn error"`
	DBFile       string `validate:"required"`
	RelayURL     string `validate:"required,url"`
	PollInterval time.Duration
	Lookback     time.Duration
}

var args cmdArgs

func main() {
	app := &cli.App{
		Flags: []cli.Flag{
			// LOGGING
			&cli.BoolFlag{
				Name:        "json-log",
				Usage:       "Whether to log in JSON format",
				Aliases:     []string{"j"},
				EnvVars:     []string{"LOG_AS_JSON"},
				Value:       false,
				DefaultText: "false",
				Destination: &args.JSONLog,
				Required:    false,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "Logging level: [debug info warn error]",
				Aliases:     []string{"l"},
				EnvVars:     []string{"LOG_LEVEL"},
				Value:       "warn",
				DefaultText: "warn",
				Destination: &args.LogLevel,
				Required:    false,
			},
			// Store
			&cli.StringFlag{
				Name:        "db-file",
				Usage:       "SQLite database file backing the relay's message store",
				Aliases:     []string{"d"},
				EnvVars:     []string{"CHATRELAY_DB_FILE"},
				Destination: &args.DBFile,
				Required:    true,
			},
			// Relay
			&cli.StringFlag{
				Name:        "relay-url",
				Usage:       "Base URL of the relay instance receiving the change events",
				Aliases:     []string{"r"},
				EnvVars:     []string{"CHATRELAY_URL"},
				Value:       "http://localhost:3000",
				DefaultText: "http://localhost:3000",
				Destination: &args.RelayURL,
				Required:    false,
			},
			&cli.DurationFlag{
				Name:        "poll-interval",
				Usage:       "Interval between store polls",
				Aliases:     []string{"i"},
				EnvVars:     []string{"CHATRELAY_POLL_INTERVAL"},
				Value:       time.Second * 3,
				DefaultText: "3s",
				Destination: &args.PollInterval,
				Required:    false,
			},
			&cli.DurationFlag{
				Name:        "lookback",
				Usage:       "On start, also forward rows persisted up to this long ago",
				Aliases:     []string{"b"},
				EnvVars:     []string{"CHATRELAY_LOOKBACK"},
				Value:       0,
				DefaultText: "0s",
				Destination: &args.Lookback,
				Required:    false,
			},
		},
		Action: startForwarder,
	}

	err := app.Run(os.Args)
	if err != nil {
		log.WithError(err).Fatal("Program shutdown")
	}
}

// feedForwarder polls the message store and replays new rows as change events
type feedForwarder struct {
	ctxt     context.Context
	store    storage.MessageStore
	eventURL string
	client   *http.Client
	logTags  log.Fields
	cursor   time.Time
	// atCursor holds IDs already forwarded at exactly the cursor timestamp.
	// The store query is inclusive of the cursor, so these would otherwise
	// repeat every poll.
	atCursor map[string]bool
}

func (f *feedForwarder) forwardNewRows() error {
	messages, err := f.store.QueryCreatedSince(f.ctxt, f.cursor)
	if err != nil {
		log.WithError(err).WithFields(f.logTags).Error("Store poll failed")
		return err
	}
	for _, message := range messages {
		if f.atCursor[message.ID] {
			continue
		}
		if err := f.forwardOne(message); err != nil {
			// Leave the cursor in place. The failed row and everything after
			// it are retried on the next poll.
			return err
		}
		if message.CreatedAt.After(f.cursor) {
			f.cursor = message.CreatedAt
			f.atCursor = map[string]bool{}
		}
		f.atCursor[message.ID] = true
	}
	return nil
}

func (f *feedForwarder) forwardOne(message storage.Message) error {
	record, err := json.Marshal(&message)
	if err != nil {
		log.WithError(err).WithFields(f.logTags).Errorf(
			"Unable to serialize message %s", message.ID,
		)
		return err
	}
	event := storage.ChangeEvent{
		Type: storage.ChangeEventInsert, Table: storage.MessagesTable, Record: record,
	}
	payload, err := json.Marshal(&event)
	if err != nil {
		log.WithError(err).WithFields(f.logTags).Errorf(
			"Unable to serialize change event for message %s", message.ID,
		)
		return err
	}
	req, err := http.NewRequestWithContext(
		f.ctxt, http.MethodPost, f.eventURL, bytes.NewReader(payload),
	)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := f.client.Do(req)
	if err != nil {
		log.WithError(err).WithFields(f.logTags).Errorf(
			"Unable to forward change event for message %s", message.ID,
		)
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("relay replied %d to change event", resp.StatusCode)
	}
	log.WithFields(f.logTags).Debugf(
		"Forwarded INSERT for message %s on session %s", message.ID, message.SessionID,
	)
	return nil
}

func startForwarder(c *cli.Context) error {
	// Double check the input
	{
		validate := validator.New()
		if err := validate.Struct(&args); err != nil {
			return err
		}
	}

	// Prepare the logging
	if args.JSONLog {
		log.SetHandler(apexJSON.New(os.Stderr))
	}
	switch args.LogLevel {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.SetLevel(log.ErrorLevel)
	}

	{
		tmp, _ := json.Marshal(&args)
		log.Debugf("Starting params %s", tmp)
	}

	logTags := log.Fields{
		"module": "change-feed", "component": "forwarder", "store": args.DBFile,
	}

	wg := sync.WaitGroup{}
	defer wg.Wait()
	opContext, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.GetSQLiteMessageStore(args.DBFile)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Failed to open message store %s", args.DBFile,
		)
		return err
	}
	defer func() { _ = store.Close() }()

	forwarder := &feedForwarder{
		ctxt:     opContext,
		store:    store,
		eventURL: fmt.Sprintf("%s/v1/relay/event", args.RelayURL),
		client:   &http.Client{Timeout: time.Second * 10},
		logTags:  logTags,
		cursor:   time.Now().UTC().Add(-args.Lookback).Truncate(time.Millisecond),
		atCursor: map[string]bool{},
	}

	poller, err := common.GetIntervalTimerInstance("change-feed", opContext, &wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to define poll timer")
		return err
	}
	if err := poller.Start(args.PollInterval, forwarder.forwardNewRows, false); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to start poll timer")
		return err
	}

	log.WithFields(logTags).Infof(
		"Forwarding new rows of %s to %s every %s", args.DBFile, forwarder.eventURL, args.PollInterval,
	)

	// ------------------------------------------------------------------------

	cc := make(chan os.Signal, 1)
	// We'll accept graceful shutdowns when quit via SIGINT (Ctrl+C)
	// SIGKILL, SIGQUIT or SIGTERM (Ctrl+/) will not be caught.
	signal.Notify(cc, os.Interrupt)

	<-cc

	return nil
}
