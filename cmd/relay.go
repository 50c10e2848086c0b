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

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/chatrelay/apis"
	"github.com/alwitt/chatrelay/common"
	"github.com/alwitt/chatrelay/core"
	"github.com/alwitt/chatrelay/dispatch"
	"github.com/alwitt/chatrelay/storage"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// changeEventTaskBuffer queue depth for change events pending processing
const changeEventTaskBuffer = 64

// RunRelayServer run the chat relay server
func RunRelayServer(
	runTimeContext context.Context,
	config *common.RelayServerConfig,
	busConfig common.RelayBusConfig,
	instance string,
	messageStore storage.MessageStore,
	natsClient *core.NatsClient,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "relay",
		"instance":  instance,
	}

	validate := validator.New()
	if err := validate.Struct(config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid relay server config")
		return err
	}

	registry, err := dispatch.GetSessionRegistry(instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define session registry")
		return err
	}

	var busPublisher dispatch.EnvelopeBusPublisher
	if busConfig.Enabled {
		busPublisher, err = dispatch.GetEnvelopeBusPublisher(natsClient, busConfig.Subject, instance)
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Unable to define relay bus publisher")
			return err
		}
	}

	broadcaster, err := dispatch.GetMessageBroadcaster(registry, busPublisher, instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define message broadcaster")
		return err
	}

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()

	if busConfig.Enabled {
		busListener, err := dispatch.GetEnvelopeBusListener(
			localCtxt, natsClient, busConfig.Subject, instance, broadcaster,
		)
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Unable to define relay bus listener")
			return err
		}
		if err := busListener.StartListening(wg); err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Unable to listen on relay bus")
			return err
		}
	}

	changeEvents, err := dispatch.GetChangeEventProcessor(
		localCtxt, broadcaster, changeEventTaskBuffer, instance,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define change event processor")
		return err
	}
	if err := changeEvents.Start(wg); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to start change event processor")
		return err
	}

	httpHandler, err := apis.GetAPIRestRelayHandler(
		localCtxt, messageStore, registry, broadcaster, changeEvents, natsClient, *config, wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define HTTP handler")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(router, config.Endpoints.PathPrefix, nil)
	v1Router := apis.RegisterPathPrefix(mainRouter, "/v1", nil)

	// Message routes
	messageAPIRouter := apis.RegisterPathPrefix(
		v1Router, "/relay/message", map[string]http.HandlerFunc{
			"post": httpHandler.SubmitMessageHandler(),
		},
	)
	_ = apis.RegisterPathPrefix(
		messageAPIRouter, "/{messageID}", map[string]http.HandlerFunc{
			"get": httpHandler.GetMessageHandler(),
		},
	)

	// Session routes. The static "/active" path must be installed before the
	// "{sessionID}" routes or it would be read as a session ID.
	sessionAPIRouter := apis.RegisterPathPrefix(
		v1Router, "/relay/session", map[string]http.HandlerFunc{
			"get": httpHandler.ListSessionsHandler(),
		},
	)
	_ = apis.RegisterPathPrefix(
		sessionAPIRouter, "/active", map[string]http.HandlerFunc{
			"get": httpHandler.ListActiveSessionsHandler(),
		},
	)
	perSessionAPIRouter := apis.RegisterPathPrefix(sessionAPIRouter, "/{sessionID}", nil)
	_ = apis.RegisterPathPrefix(
		perSessionAPIRouter, "/message", map[string]http.HandlerFunc{
			"get": httpHandler.GetSessionMessagesHandler(),
		},
	)
	_ = apis.RegisterPathPrefix(
		perSessionAPIRouter, "/subscribe", map[string]http.HandlerFunc{
			"get": httpHandler.SubscribeHandler(),
		},
	)

	// Change notification ingress
	_ = apis.RegisterPathPrefix(
		v1Router, "/relay/event", map[string]http.HandlerFunc{
			"post": httpHandler.ReceiveChangeEventHandler(),
		},
	)

	// Health check
	_ = apis.RegisterPathPrefix(v1Router, "/alive", map[string]http.HandlerFunc{
		"get": httpHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(v1Router, "/ready", map[string]http.HandlerFunc{
		"get": httpHandler.ReadyHandler(),
	})

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(httpHandler, next)
	})

	serverListen := fmt.Sprintf(
		"%s:%d", config.HTTPSetting.Server.ListenOn, config.HTTPSetting.Server.Port,
	)
	httpSrv := &http.Server{
		Addr:         serverListen,
		ReadTimeout:  time.Second * time.Duration(config.HTTPSetting.Server.ReadTimeout),
		WriteTimeout: time.Second * time.Duration(config.HTTPSetting.Server.WriteTimeout),
		IdleTimeout:  time.Second * time.Duration(config.HTTPSetting.Server.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Cancel runtime context on shutdown. Subscriber sessions and the change
	// event processor run against that context.
	httpSrv.RegisterOnShutdown(lclCancel)

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	<-runTimeContext.Done()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Failure during HTTP shutdown")
		}
	}

	return nil
}
