// Copyright 2022 The livequery Authors
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

	"github.com/alwitt/livequery/apis"
	"github.com/alwitt/livequery/auth"
	"github.com/alwitt/livequery/common"
	"github.com/alwitt/livequery/core"
	"github.com/alwitt/livequery/dataplane"
	"github.com/alwitt/livequery/livequery"
	"github.com/alwitt/livequery/transport"
	"github.com/apex/log"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// Backends the external clients available to the server. A backend not required by
// the config may be nil.
type Backends struct {
	NATS  *core.NatsClient
	Redis *core.RedisClient
}

// definePubSub select the change event backbone
func definePubSub(
	config common.PubSubConfig, backends Backends, instance string, queueSize int,
) (dataplane.PubSub, error) {
	switch config.Backend {
	case "nats":
		if backends.NATS == nil {
			return nil, fmt.Errorf("nats pub/sub backend requires a NATS client")
		}
		return dataplane.GetNATSPubSub(backends.NATS, instance)
	case "redis":
		if backends.Redis == nil {
			return nil, fmt.Errorf("redis pub/sub backend requires a Redis client")
		}
		return dataplane.GetRedisPubSub(backends.Redis, instance)
	case "local":
		return dataplane.GetLocalPubSub(instance, queueSize)
	}
	return nil, fmt.Errorf("unknown pub/sub backend %s", config.Backend)
}

// defineIdentityStore select the session token store
func defineIdentityStore(config common.IdentityConfig, backends Backends) (auth.IdentityStore, error) {
	switch config.Backend {
	case "redis":
		if backends.Redis == nil {
			return nil, fmt.Errorf("redis identity store requires a Redis client")
		}
		return auth.NewRedisIdentityStore(backends.Redis, config.KeyPrefix), nil
	case "static":
		return auth.NewStaticIdentityStore(), nil
	}
	return nil, fmt.Errorf("unknown identity backend %s", config.Backend)
}

// RunLiveQueryServer run the live query server until the runtime context is cancelled
func RunLiveQueryServer(
	runtimeContext context.Context,
	config *common.LiveQueryServerConfig,
	instance string,
	backends Backends,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "livequery",
		"instance":  instance,
	}
	lqConfig := config.LiveQuery

	localCtxt, lclCancel := context.WithCancel(runtimeContext)
	defer lclCancel()

	pubsub, err := definePubSub(lqConfig.PubSub, backends, instance, lqConfig.EventBuffer)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define pub/sub backend")
		return err
	}

	store, err := defineIdentityStore(lqConfig.Identity, backends)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define identity store")
		return err
	}

	resolver, err := auth.GetResolver(localCtxt, wg, store, auth.ResolverParams{
		TTL:           time.Second * time.Duration(lqConfig.AuthCache.TTL),
		MaxEntries:    lqConfig.AuthCache.MaxEntries,
		SweepInterval: time.Second * time.Duration(lqConfig.AuthCache.SweepInterval),
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define session resolver")
		return err
	}
	defer func() {
		_ = resolver.Stop()
	}()

	server, err := livequery.GetLiveQueryServer(localCtxt, wg, livequery.ServerParams{
		Instance:       instance,
		KeyPairs:       lqConfig.KeyPairs,
		MasterKey:      lqConfig.MasterKey,
		DeliveryBuffer: lqConfig.DeliveryBuffer,
	}, livequery.ServerDependencies{
		Matcher:     livequery.DefaultMatcher{},
		Permissions: livequery.DefaultPermissionStore{},
		Resolver:    resolver,
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define live query server")
		return err
	}

	bridge, err := dataplane.GetChangeEventBridge(
		localCtxt, lqConfig.AppID, pubsub, server, lqConfig.EventBuffer,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define change event bridge")
		return err
	}
	if err := bridge.Start(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start change event bridge")
		return err
	}
	defer func() {
		_ = bridge.Stop()
	}()

	wsHandler, err := transport.GetWebSocketHandler(
		localCtxt, wg, instance, server, transport.WebSocketParams{
			PingInterval:   time.Second * time.Duration(lqConfig.WebSocket.PingInterval),
			WriteTimeout:   time.Second * time.Duration(lqConfig.WebSocket.WriteTimeout),
			MaxMessageSize: lqConfig.WebSocket.MaxMessageSize,
			SendBuffer:     lqConfig.WebSocket.SendBuffer,
		},
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define websocket handler")
		return err
	}

	adminHandler, err := apis.GetAPIRestAdminHandler(server, pubsub, &config.HTTPSetting)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define admin handler")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	router := mux.NewRouter()
	router.Handle(lqConfig.WebSocket.Path, wsHandler)
	router.Handle("/metrics", promhttp.Handler())
	mainRouter := apis.RegisterPathPrefix(router, config.AdminPathPrefix, nil)

	adminRouter := apis.RegisterPathPrefix(mainRouter, "/v1/admin", nil)
	_ = apis.RegisterPathPrefix(adminRouter, "/alive", apis.MethodHandlers{
		"get": adminHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(adminRouter, "/ready", apis.MethodHandlers{
		"get": adminHandler.ReadyHandler(),
	})
	_ = apis.RegisterPathPrefix(adminRouter, "/stats", apis.MethodHandlers{
		"get": adminHandler.GetStatsHandler(),
	})

	// Add logging
	accessLog := apis.AccessLogWriter{Component: common.Component{LogTags: log.Fields{
		"module": "rest", "component": "access-log", "instance": instance,
	}}}
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(accessLog, next)
	})

	serverCfg := config.HTTPSetting.Server
	serverListen := fmt.Sprintf("%s:%d", serverCfg.ListenOn, serverCfg.Port)
	httpSrv := &http.Server{
		Addr:         serverListen,
		WriteTimeout: time.Second * time.Duration(serverCfg.WriteTimeout),
		ReadTimeout:  time.Second * time.Duration(serverCfg.ReadTimeout),
		IdleTimeout:  time.Second * time.Duration(serverCfg.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Cancel runtime context on shutdown
	httpSrv.RegisterOnShutdown(lclCancel)

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).WithFields(logTags).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof(
		"Started HTTP server on http://%s, live query clients on %s",
		serverListen, lqConfig.WebSocket.Path,
	)

	// ============================================================================

	<-runtimeContext.Done()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during HTTP shutdown")
		}
	}

	return nil
}
