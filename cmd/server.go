// Copyright 2021-2022 The pushgate Authors
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

	"github.com/alwitt/pushgate/apis"
	"github.com/alwitt/pushgate/auth"
	"github.com/alwitt/pushgate/broker"
	"github.com/alwitt/pushgate/common"
	"github.com/alwitt/pushgate/core"
	"github.com/alwitt/pushgate/dataplane"
	"github.com/alwitt/pushgate/heartbeat"
	"github.com/alwitt/pushgate/ingest"
	"github.com/alwitt/pushgate/orderpush"
	"github.com/alwitt/pushgate/registry"
	"github.com/apex/log"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

const orderPushParallelism = 16

// Services the wired event distribution components
type Services struct {
	Sessions  registry.ConnectionRegistry
	Topics    broker.TopicBroker
	Orders    orderpush.OrderEventChannel
	Heartbeat heartbeat.Monitor
	Stomp     *dataplane.StompEndpoint
	OrderFeed *dataplane.OrderEndpoint
}

// DefineServices build the event distribution components from config
func DefineServices(
	runTimeContext context.Context, config *common.SystemConfig, instance string,
) (*Services, error) {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "services",
		"instance":  instance,
	}

	sessions, err := registry.GetConnectionRegistry(instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define connection registry")
		return nil, err
	}

	topics, err := broker.GetTopicBroker(runTimeContext, instance, sessions, config.Broker)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define topic broker")
		return nil, err
	}

	orders, err := orderpush.GetOrderEventChannel(
		instance,
		sessions,
		time.Duration(config.Orders.PushTimeout)*time.Millisecond,
		orderPushParallelism,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define order event channel")
		return nil, err
	}

	monitor, err := heartbeat.GetMonitor(runTimeContext, instance, sessions, config.Heartbeat)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define heartbeat monitor")
		return nil, err
	}

	authn, err := auth.GetJWTAuthenticator(instance, config.Auth)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define authenticator")
		return nil, err
	}

	stompEndpoint, err := dataplane.GetStompEndpoint(
		instance, sessions, topics, authn, config.Websocket, config.Stomp,
		config.Heartbeat.IntervalMs,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define broker-framed endpoint")
		return nil, err
	}

	orderEndpoint, err := dataplane.GetOrderEndpoint(
		instance, sessions, orders, authn, config.Websocket,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define order endpoint")
		return nil, err
	}

	return &Services{
		Sessions:  sessions,
		Topics:    topics,
		Orders:    orders,
		Heartbeat: monitor,
		Stomp:     stompEndpoint,
		OrderFeed: orderEndpoint,
	}, nil
}

// startIngestion connect the enabled upstream tick sources
func startIngestion(
	runTimeContext context.Context,
	config common.IngestConfig,
	topics broker.TopicBroker,
	wg *sync.WaitGroup,
	logTags log.Fields,
) ([]apis.ReadinessCheck, func(), error) {
	checks := []apis.ReadinessCheck{}
	cleanups := []func(){}
	cleanup := func() {
		for _, fn := range cleanups {
			fn()
		}
	}

	adapter, err := ingest.GetAdapter(topics, config.TopicPrefix)
	if err != nil {
		return nil, cleanup, err
	}
	sources := []ingest.TickSource{}

	if config.NATS.Enabled {
		natsClient, err := core.GetNatsClient(core.NATSConnectParamsFromConfig(config.NATS))
		if err != nil {
			return nil, cleanup, err
		}
		cleanups = append(cleanups, func() {
			ctxt, cancel := context.WithTimeout(context.Background(), time.Second*5)
			defer cancel()
			natsClient.Close(ctxt)
		})
		source, err := ingest.GetNATSTickSource(
			config.NATS.Subject, ingest.SubscribeWithConn(natsClient.Conn()),
		)
		if err != nil {
			return nil, cleanup, err
		}
		sources = append(sources, source)
		checks = append(checks, func() error {
			if status := natsClient.Conn().Status(); status != nats.CONNECTED {
				return fmt.Errorf("NATS connection is %s", status.String())
			}
			return nil
		})
	}

	if config.Redis.Enabled {
		redisClient, err := core.GetRedisClient(runTimeContext, config.Redis)
		if err != nil {
			return nil, cleanup, err
		}
		cleanups = append(cleanups, func() {
			if err := redisClient.Close(); err != nil {
				log.WithError(err).WithFields(logTags).Error("Failed to close Redis client")
			}
		})
		source, err := ingest.GetRedisTickSource(redisClient, config.Redis.Channel)
		if err != nil {
			return nil, cleanup, err
		}
		sources = append(sources, source)
		checks = append(checks, func() error {
			ctxt, cancel := context.WithTimeout(runTimeContext, time.Second)
			defer cancel()
			return redisClient.Ping(ctxt).Err()
		})
	}

	if err := adapter.Run(runTimeContext, wg, sources...); err != nil {
		return nil, cleanup, err
	}
	return checks, cleanup, nil
}

// DefineRouter define the HTTP router serving the websocket endpoints and REST APIs
func DefineRouter(
	config *common.SystemConfig,
	services *Services,
	httpHandler apis.APIRestPushgateHandler,
) *mux.Router {
	router := mux.NewRouter()

	// Websocket endpoints
	router.HandleFunc(config.Stomp.Path, services.Stomp.Handler())
	router.HandleFunc(config.Orders.Path, services.OrderFeed.Handler())

	// Metrics
	if config.Metrics.Enabled {
		router.Handle(config.Metrics.Path, promhttp.Handler())
	}

	mainRouter := apis.RegisterPathPrefix(router, config.API.PathPrefix, nil)

	// Publish / push
	mainRouter.HandleFunc(
		"/v1/topics/{topic:.+}", httpHandler.PublishTopicHandler(),
	).Methods("post")
	mainRouter.HandleFunc(
		"/v1/users/{userID}/orders", httpHandler.PushOrderHandler(),
	).Methods("post")

	// Statistics
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/sessions", map[string]http.HandlerFunc{
		"get": httpHandler.ListSessionsHandler(),
	})

	// Health check
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/alive", map[string]http.HandlerFunc{
		"get": httpHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/ready", map[string]http.HandlerFunc{
		"get": httpHandler.ReadyHandler(),
	})

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(httpHandler, next)
	})

	return router
}

// RunServer run the event distribution server until runTimeContext is cancelled
func RunServer(
	runTimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "server",
		"instance":  instance,
	}

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()

	services, err := DefineServices(localCtxt, config, instance)
	if err != nil {
		return err
	}

	if err := services.Topics.Start(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start topic broker")
		return err
	}
	if err := services.Heartbeat.Start(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start heartbeat monitor")
		return err
	}

	readiness, stopIngestion, err := startIngestion(
		localCtxt, config.Ingest, services.Topics, wg, logTags,
	)
	defer stopIngestion()
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start market data ingestion")
		return err
	}

	httpHandler, err := apis.GetAPIRestPushgateHandler(
		services.Sessions, services.Topics, services.Orders, &config.HTTP, &config.API,
		readiness...,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define HTTP handler")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	router := DefineRouter(config, services, httpHandler)

	serverListen := fmt.Sprintf(
		"%s:%d", config.HTTP.Server.ListenOn, config.HTTP.Server.Port,
	)
	httpSrv := &http.Server{
		Addr:         serverListen,
		ReadTimeout:  time.Second * time.Duration(config.HTTP.Server.ReadTimeout),
		WriteTimeout: time.Second * time.Duration(config.HTTP.Server.WriteTimeout),
		IdleTimeout:  time.Second * time.Duration(config.HTTP.Server.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Cancel runtime context on shutdown
	httpSrv.RegisterOnShutdown(lclCancel)

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).WithFields(logTags).Error("HTTP Server Failure")
			lclCancel()
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	<-localCtxt.Done()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during HTTP shutdown")
		}
	}

	// Release the websocket sessions
	released := services.Sessions.UnregisterAll(registry.ReasonShutdown)
	log.WithFields(logTags).Infof("Released %d sessions", released)

	if err := services.Heartbeat.Stop(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failure stopping heartbeat monitor")
	}
	if err := services.Topics.Stop(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failure stopping topic broker")
	}

	return nil
}
