// Copyright 2025-2026 The roomsync Authors
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

	"github.com/apex/log"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/roomsync/roomsync/alerts"
	"github.com/roomsync/roomsync/apis"
	"github.com/roomsync/roomsync/common"
	"github.com/roomsync/roomsync/conflict"
	"github.com/roomsync/roomsync/core"
	"github.com/roomsync/roomsync/health"
	"github.com/roomsync/roomsync/registry"
	"github.com/roomsync/roomsync/syncengine"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// channel IDs for the change event subscriptions
const (
	bookingChannelID = "bookings"
	roomChannelID    = "rooms"
)

// task buffer depth shared by all processing loops
const tpBufferLen = 64

// RunServer run the roomsync server
func RunServer(
	runTimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	natsClient *core.NatsClient,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "server",
		"instance":  instance,
	}

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()

	// -------------------------------------------------------------------
	// Booking write gate

	publisher, err := core.GetNatsChangePublisher(
		natsClient, config.ChangeStream.BookingSubject, config.ChangeStream.RoomSubject,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define change publisher")
		return err
	}

	store, err := conflict.GetInMemoryBookingStore()
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define booking store")
		return err
	}

	detector, err := conflict.DefineDetector(store)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define conflict detector")
		return err
	}

	gateTP, err := common.GetNewTaskProcessorInstance("booking-gate", tpBufferLen, localCtxt)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define booking gate tasks")
		return err
	}
	gate, err := conflict.DefineBookingGate(gateTP, store, detector, publisher)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define booking gate")
		return err
	}

	// -------------------------------------------------------------------
	// Admin alert router

	alertTP, err := common.GetNewTaskProcessorInstance("alert-router", tpBufferLen, localCtxt)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define alert router tasks")
		return err
	}
	alertRouter, err := alerts.DefineAlertRouter(
		alertTP,
		time.Second*time.Duration(config.Alerts.ThrottleWindow),
		config.Alerts.SubscriberBuffer,
		nil,
		localCtxt,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define alert router")
		return err
	}

	// -------------------------------------------------------------------
	// Availability sync engine

	engineTP, err := common.GetNewTaskProcessorInstance("sync-engine", tpBufferLen, localCtxt)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define sync engine tasks")
		return err
	}
	engine, err := syncengine.DefineSyncEngine(
		engineTP, alertRouter, config.Sync.SubscriberBuffer, nil, localCtxt,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define sync engine")
		return err
	}

	// -------------------------------------------------------------------
	// Change event subscriptions

	factory, err := registry.GetNatsChannelFactory(natsClient)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define channel factory")
		return err
	}

	registryTP, err := common.GetNewTaskProcessorInstance(
		"subscription-registry", tpBufferLen, localCtxt,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define registry tasks")
		return err
	}
	subscriptions, err := registry.DefineSubscriptionRegistry(
		registryTP,
		factory,
		engine.HandleChangeEvent,
		time.Second*time.Duration(config.ChangeStream.OpenSpacing),
		time.Second*time.Duration(config.ChangeStream.HandshakeTimeout),
		wg,
		localCtxt,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define subscription registry")
		return err
	}

	// -------------------------------------------------------------------
	// Health monitor

	monitorTP, err := common.GetNewTaskProcessorInstance(
		"health-monitor", tpBufferLen, localCtxt,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define monitor tasks")
		return err
	}
	monitor, err := health.DefineHealthMonitor(
		monitorTP,
		subscriptions,
		alertRouter,
		time.Second*time.Duration(config.Health.SampleInterval),
		config.Health.RetryBudget,
		time.Second*time.Duration(config.Health.BackoffInterval),
		config.Health.ExponentialBackoff,
		nil,
		wg,
		localCtxt,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define health monitor")
		return err
	}

	// -------------------------------------------------------------------
	// Start the processing loops

	for name, tp := range map[string]common.TaskProcessor{
		"booking-gate":          gateTP,
		"alert-router":          alertTP,
		"sync-engine":           engineTP,
		"subscription-registry": registryTP,
		"health-monitor":        monitorTP,
	} {
		if err := tp.StartEventLoop(wg); err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Unable to start %s tasks", name)
			return err
		}
	}

	if _, err := subscriptions.Open(
		localCtxt, bookingChannelID, registry.ChannelSpec{
			Subject: config.ChangeStream.BookingSubject,
		},
	); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to open booking channel")
		return err
	}
	if _, err := subscriptions.Open(
		localCtxt, roomChannelID, registry.ChannelSpec{
			Subject: config.ChangeStream.RoomSubject,
		},
	); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to open room channel")
		return err
	}

	if err := monitor.Start(); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to start health monitor")
		return err
	}

	// -------------------------------------------------------------------
	// Define the HTTP handlers

	httpConfig := &config.API.HTTPSetting
	bookingHandler, err := apis.GetAPIRestBookingHandler(gate, detector, httpConfig)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define booking HTTP handler")
		return err
	}
	feedsHandler, err := apis.GetAPIRestFeedsHandler(localCtxt, engine, alertRouter, httpConfig)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define feeds HTTP handler")
		return err
	}
	controlHandler, err := apis.GetAPIRestControlHandler(
		monitor, subscriptions, engine, httpConfig,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define control HTTP handler")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(router, config.API.Endpoints.PathPrefix, nil)

	// Per room routes
	perRoomAPIRouter := apis.RegisterPathPrefix(
		mainRouter, "/v1/room/{roomID}", nil,
	)
	_ = apis.RegisterPathPrefix(perRoomAPIRouter, "/booking", map[string]http.HandlerFunc{
		"post": bookingHandler.ReserveBookingHandler(),
	})
	_ = apis.RegisterPathPrefix(perRoomAPIRouter, "/conflicts", map[string]http.HandlerFunc{
		"get": bookingHandler.CheckConflictsHandler(),
	})
	_ = apis.RegisterPathPrefix(perRoomAPIRouter, "/availability", map[string]http.HandlerFunc{
		"get": feedsHandler.GetRoomAvailabilityHandler(),
	})

	// Per booking routes
	_ = apis.RegisterPathPrefix(
		mainRouter, "/v1/booking/{bookingID}", map[string]http.HandlerFunc{
			"put":    bookingHandler.UpdateBookingHandler(),
			"delete": bookingHandler.CancelBookingHandler(),
		},
	)

	// Availability routes
	availabilityAPIRouter := apis.RegisterPathPrefix(
		mainRouter, "/v1/availability", map[string]http.HandlerFunc{
			"get": feedsHandler.ListAvailabilityHandler(),
		},
	)
	_ = apis.RegisterPathPrefix(availabilityAPIRouter, "/stream", map[string]http.HandlerFunc{
		"get": feedsHandler.StreamAvailabilityHandler(),
	})

	// Admin alert routes
	alertAPIRouter := apis.RegisterPathPrefix(mainRouter, "/v1/alerts", nil)
	_ = apis.RegisterPathPrefix(alertAPIRouter, "/stream", map[string]http.HandlerFunc{
		"get": feedsHandler.StreamAlertsHandler(),
	})

	// Control routes
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/health", map[string]http.HandlerFunc{
		"get": controlHandler.GetHealthHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/status", map[string]http.HandlerFunc{
		"get": controlHandler.GetStatusHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/reconnect", map[string]http.HandlerFunc{
		"post": controlHandler.TriggerReconnectHandler(),
	})

	// Health check
	_ = apis.RegisterPathPrefix(mainRouter, "/alive", map[string]http.HandlerFunc{
		"get": controlHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/ready", map[string]http.HandlerFunc{
		"get": controlHandler.ReadyHandler(),
	})

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(controlHandler, next)
	})

	serverListen := fmt.Sprintf(
		"%s:%d", config.API.HTTPSetting.Server.ListenOn, config.API.HTTPSetting.Server.Port,
	)
	httpSrv := &http.Server{
		Addr:         serverListen,
		ReadTimeout:  time.Second * time.Duration(config.API.HTTPSetting.Server.ReadTimeout),
		WriteTimeout: time.Second * time.Duration(config.API.HTTPSetting.Server.WriteTimeout),
		IdleTimeout:  time.Second * time.Duration(config.API.HTTPSetting.Server.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Cancel runtime context on shutdown
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

	// Stop the change event subscriptions
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := subscriptions.CloseAll(ctx); err != nil {
			log.WithError(err).Error("Failure during channel close")
		}
	}

	return nil
}
