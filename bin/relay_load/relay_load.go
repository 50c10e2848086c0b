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

// relay_load measures broadcast fan-out of a running relay instance. It
// attaches a set of WebSocket subscribers to one session, submits a batch of
// messages, and reports the average time for a subscriber to receive the full
// batch.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/alwitt/chatrelay/apis"
	"github.com/alwitt/chatrelay/dispatch"
	"github.com/apex/log"
	apexJSON "github.com/apex/log/handlers/json"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/urfave/cli/v2"
)

type cmdArgs struct {
	JSONLog        bool
	LogLevel       string `validate:"required,oneof=debug info warn error"`
	RelayURL       string `validate:"required,url"`
	SessionID      string `validate:"required"`
	Subscribers    int
	Messages       int
	ReceiveTimeout time.Duration
}

var args cmdArgs

func main() {
	sessionName := fmt.Sprintf("load-%s", uuid.New().String())

	app := &cli.App{
		Flags: []cli.Flag{
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
			&cli.StringFlag{
				Name:        "relay-url",
				Usage:       "Base URL of the relay instance under test",
				EnvVars:     []string{"CHATRELAY_URL"},
				Aliases:     []string{"r"},
				Value:       "http://localhost:3000",
				DefaultText: "http://localhost:3000",
				Destination: &args.RelayURL,
				Required:    false,
			},
			&cli.StringFlag{
				Name:        "session-id",
				Usage:       "Target session ID",
				EnvVars:     []string{"TEST_SESSION_ID"},
				Aliases:     []string{"s"},
				Value:       sessionName,
				DefaultText: sessionName,
				Destination: &args.SessionID,
				Required:    false,
			},
			&cli.IntFlag{
				Name:        "subscribers",
				Usage:       "Number of test subscribers",
				EnvVars:     []string{"TEST_SUBSCRIBERS"},
				Aliases:     []string{"t"},
				Value:       2,
				DefaultText: "2",
				Destination: &args.Subscribers,
				Required:    false,
			},
			&cli.IntFlag{
				Name:        "messages",
				Usage:       "Number of messages to submit",
				EnvVars:     []string{"TEST_MESSAGES"},
				Aliases:     []string{"c"},
				Value:       10,
				DefaultText: "10",
				Destination: &args.Messages,
				Required:    false,
			},
			&cli.DurationFlag{
				Name:        "receive-timeout",
				Usage:       "Max wait for any single broadcast frame",
				EnvVars:     []string{"TEST_RECEIVE_TIMEOUT"},
				Aliases:     []string{"o"},
				Value:       time.Second * 30,
				DefaultText: "30s",
				Destination: &args.ReceiveTimeout,
				Required:    false,
			},
		},
		Action: runLoadTest,
	}

	err := app.Run(os.Args)
	if err != nil {
		log.WithError(err).Fatal("Program shutdown")
	}
}

func runLoadTest(c *cli.Context) error {
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

	subscribeURL := fmt.Sprintf(
		"%s/v1/relay/session/%s/subscribe",
		strings.Replace(args.RelayURL, "http", "ws", 1),
		args.SessionID,
	)
	submitURL := fmt.Sprintf("%s/v1/relay/message", args.RelayURL)

	// Attach the test subscribers
	connections := make([]*websocket.Conn, args.Subscribers)
	for itr := 0; itr < args.Subscribers; itr++ {
		conn, _, err := websocket.DefaultDialer.Dial(subscribeURL, nil)
		if err != nil {
			log.WithError(err).Errorf("Failed to subscribe on %s", subscribeURL)
			return err
		}
		connections[itr] = conn
		// Consume the connected envelope before the test starts
		if err := conn.SetReadDeadline(time.Now().Add(args.ReceiveTimeout)); err != nil {
			return err
		}
		_, payload, err := conn.ReadMessage()
		if err != nil {
			log.WithError(err).Errorf("Subscriber %d never received its open frame", itr)
			return err
		}
		var envelope dispatch.Envelope
		if err := json.Unmarshal(payload, &envelope); err != nil {
			return err
		}
		if envelope.Type != dispatch.EnvelopeTypeConnected {
			return fmt.Errorf("subscriber %d received %s before the open frame", itr, envelope.Type)
		}
	}

	// Start the receivers
	testDurations := make([]time.Duration, args.Subscribers)
	wg := sync.WaitGroup{}
	testFunction := func(index int) {
		defer wg.Done()
		startTime := time.Now()
		received := 0
		for received < args.Messages {
			if err := connections[index].SetReadDeadline(
				time.Now().Add(args.ReceiveTimeout),
			); err != nil {
				log.WithError(err).Errorf("Subscriber %d deadline update failed", index)
				break
			}
			_, payload, err := connections[index].ReadMessage()
			if err != nil {
				log.WithError(err).Errorf(
					"Subscriber %d read failed after %d messages", index, received,
				)
				break
			}
			var envelope dispatch.Envelope
			if err := json.Unmarshal(payload, &envelope); err != nil {
				log.WithError(err).Errorf("Subscriber %d received a malformed frame", index)
				break
			}
			if envelope.Type == dispatch.EnvelopeTypeNewMessage {
				received++
			}
		}
		testDurations[index] = time.Since(startTime)
		if received < args.Messages {
			log.Warnf("Subscriber %d only received %d of %d messages", index, received, args.Messages)
		}
	}
	wg.Add(args.Subscribers)
	for itr := 0; itr < args.Subscribers; itr++ {
		go testFunction(itr)
	}

	// Submit the message batch
	for itr := 0; itr < args.Messages; itr++ {
		payload, err := json.Marshal(apis.SubmitMessageRequest{
			SessionID:   args.SessionID,
			SenderID:    "relay-load",
			MessageText: fmt.Sprintf("load message %d", itr),
		})
		if err != nil {
			return err
		}
		resp, err := http.Post(submitURL, "application/json", bytes.NewReader(payload))
		if err != nil {
			log.WithError(err).Errorf("Submission %d failed", itr)
			return err
		}
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("relay replied %d to submission %d", resp.StatusCode, itr)
		}
	}

	// Wait for all subscribers to drain the batch
	wg.Wait()

	// Get average delivery time per message
	avgDelivery := time.Second * 0
	for _, totalTime := range testDurations {
		avgDelivery += totalTime / time.Duration(args.Messages)
	}
	avgDeliveryMs := float64(avgDelivery) / float64(time.Millisecond) / float64(args.Subscribers)
	log.Infof("AVG delivery time per message: %.03f ms", avgDeliveryMs)

	for _, connection := range connections {
		if err := connection.Close(); err != nil {
			log.WithError(err).Errorf("Failed to close subscriber connection")
		}
	}
	return nil
}
