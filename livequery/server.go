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

package livequery

import (
	"context"
	"strings"
	"sync"

	"github.com/alwitt/livequery/auth"
	"github.com/alwitt/livequery/common"
	"github.com/alwitt/livequery/dataplane"
	"github.com/alwitt/livequery/protocol"
	"github.com/alwitt/livequery/subscription"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// LiveQueryServer the live query engine: client protocol handling, subscription
// tracking, and change event notification
type LiveQueryServer interface {
	// HandleInboundMessage process one message received from a connection
	HandleInboundMessage(ctxt context.Context, conn Connection, raw []byte)
	// HandleDisconnect tear down everything associated with a closed connection
	HandleDisconnect(ctxt context.Context, conn Connection)
	// OnChangeEvent notify every subscriber affected by a record mutation
	OnChangeEvent(ctxt context.Context, event dataplane.ChangeEvent)
	// OnClearCache drop the cached roles of a user
	OnClearCache(ctxt context.Context, userID string)
	// Stats summarize current clients and subscriptions
	Stats() Stats
}

// Stats summary of the engine state
type Stats struct {
	// Clients number of connected clients
	Clients int `json:"clients"`
	// Subscriptions number of distinct subscriptions
	Subscriptions int `json:"subscriptions"`
	// Attachments number of (client, request ID) subscribed
	Attachments int `json:"attachments"`
	// PerClass number of distinct subscriptions per collection
	PerClass map[string]int `json:"per_class"`
}

// ServerParams engine parameters
type ServerParams struct {
	// Instance name of the engine instance, for logging
	Instance string `validate:"required"`
	// KeyPairs the shared secrets a client must present one of. Key names are
	// compared case-insensitively.
	KeyPairs map[string]string
	// MasterKey the secret granting elevated privilege. Empty disables it.
	MasterKey string
	// DeliveryBuffer number of outbound frames which can be queued per client
	DeliveryBuffer int `validate:"gte=1"`
}

// ServerDependencies engine collaborators
type ServerDependencies struct {
	Matcher     QueryMatcher    `validate:"required"`
	Permissions PermissionStore `validate:"required"`
	Resolver    auth.Resolver   `validate:"required"`
	Hooks       Hooks
}

// serverImpl implements LiveQueryServer
type serverImpl struct {
	common.Component
	keyPairs       map[string]string
	masterKey      string
	deliveryBuffer int
	matcher        QueryMatcher
	permissions    PermissionStore
	resolver       auth.Resolver
	hooks          Hooks
	decoder        *protocol.Decoder

	// lock guards index, clients, connections, and the subscription data of every client
	lock        sync.RWMutex
	index       *subscription.Index
	clients     map[string]*Client
	connections map[Connection]string

	// aclEvaluations number of record ACL evaluations performed
	aclEvaluations int64

	ctxt context.Context
	wg   *sync.WaitGroup
}

// GetLiveQueryServer define a new LiveQueryServer.
//
// Per client delivery loops run until the client disconnects or ctxt ends.
func GetLiveQueryServer(
	ctxt context.Context, wg *sync.WaitGroup, params ServerParams, deps ServerDependencies,
) (LiveQueryServer, error) {
	logTags := log.Fields{
		"module": "livequery", "component": "server", "instance": params.Instance,
	}
	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid server parameters")
		return nil, err
	}
	if err := validate.Struct(&deps); err != nil {
		log.WithError(err).WithFields(logTags).Error("Missing server dependencies")
		return nil, err
	}
	keyPairs := make(map[string]string)
	for name, value := range params.KeyPairs {
		keyPairs[strings.ToLower(name)] = value
	}
	if params.MasterKey != "" {
		keyPairs["masterkey"] = params.MasterKey
	}
	return &serverImpl{
		Component:      common.Component{LogTags: logTags},
		keyPairs:       keyPairs,
		masterKey:      params.MasterKey,
		deliveryBuffer: params.DeliveryBuffer,
		matcher:        deps.Matcher,
		permissions:    deps.Permissions,
		resolver:       deps.Resolver,
		hooks:          deps.Hooks,
		decoder:        protocol.NewDecoder(),
		index:          subscription.NewIndex(params.Instance),
		clients:        make(map[string]*Client),
		connections:    make(map[Connection]string),
		ctxt:           ctxt,
		wg:             wg,
	}, nil
}

// Stats summarize current clients and subscriptions
func (s *serverImpl) Stats() Stats {
	s.lock.RLock()
	defer s.lock.RUnlock()
	indexStats := s.index.Stats()
	return Stats{
		Clients:       len(s.clients),
		Subscriptions: indexStats.Subscriptions,
		Attachments:   indexStats.Attachments,
		PerClass:      indexStats.PerClass,
	}
}

// counts client and subscription totals. Caller holds the lock.
func (s *serverImpl) counts() (int, int) {
	return len(s.clients), s.index.Stats().Subscriptions
}

// OnClearCache drop the cached roles of a user
func (s *serverImpl) OnClearCache(_ context.Context, userID string) {
	s.resolver.ClearUser(userID)
}

// validKeys whether the supplied credentials satisfy the configured key pairs
func (s *serverImpl) validKeys(supplied map[string]string) bool {
	if len(s.keyPairs) == 0 {
		return true
	}
	for name, value := range supplied {
		if expected, ok := s.keyPairs[strings.ToLower(name)]; ok && expected == value {
			return true
		}
	}
	return false
}

// raiseOperationalEvent log, count, and publish an operational event
func (s *serverImpl) raiseOperationalEvent(ctxt context.Context, event OperationalEvent) {
	operationalEvents.WithLabelValues(event.Event).Inc()
	logTags := s.GetLogTagsForContext(ctxt)
	logTags["client_id"] = event.ClientID
	if event.Err != nil {
		log.WithError(event.Err).WithFields(logTags).Errorf(
			"%s (clients %d, subscriptions %d)", event.Event, event.Clients, event.Subscriptions,
		)
	} else {
		log.WithFields(logTags).Infof(
			"%s (clients %d, subscriptions %d)", event.Event, event.Clients, event.Subscriptions,
		)
	}
	if s.hooks.OnOperationalEvent != nil {
		s.hooks.OnOperationalEvent(ctxt, event)
	}
}

// resolvePrincipal best effort resolution of a session token for the hooks
func (s *serverImpl) resolvePrincipal(ctxt context.Context, sessionToken string) *auth.Principal {
	if sessionToken == "" {
		return nil
	}
	principal, err := s.resolver.Resolve(ctxt, sessionToken)
	if err != nil {
		return nil
	}
	return &principal
}
