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

	"github.com/alwitt/livequery/auth"
	"github.com/alwitt/livequery/common"
	"github.com/alwitt/livequery/protocol"
)

// ConnectHookRequest what a BeforeConnectHook sees of a connect request
type ConnectHookRequest struct {
	ClientID       string
	SessionToken   string
	InstallationID string
	UseMasterKey   bool
	// Principal the user behind SessionToken, when it resolves
	Principal *auth.Principal
	// Clients number of registered clients
	Clients int
	// Subscriptions number of distinct subscriptions
	Subscriptions int
}

// SubscribeHookRequest what a BeforeSubscribeHook sees of a subscribe or update request
type SubscribeHookRequest struct {
	ClientID       string
	RequestID      int64
	Query          protocol.Query
	SessionToken   string
	InstallationID string
	UseMasterKey   bool
	// Principal the user behind SessionToken, when it resolves
	Principal *auth.Principal
}

// AfterEventRequest what an AfterEventHook sees of one notification before it is sent
type AfterEventRequest struct {
	// Event the notification kind: create, enter, update, leave, or delete
	Event          EventType
	ClassName      string
	ClientID       string
	RequestID      int64
	SessionToken   string
	InstallationID string
	UseMasterKey   bool
	// Principal the user behind SessionToken, when it resolves
	Principal *auth.Principal
	// Object the record to send. May be replaced by the hook.
	Object common.Record
	// Original the previous record, if any. May be replaced by the hook.
	Original common.Record
	// Clients number of registered clients when the event arrived
	Clients int
	// Subscriptions number of distinct subscriptions when the event arrived
	Subscriptions int
	// SendEvent clearing this suppresses the notification
	SendEvent bool
}

// OperationalEvent connection lifecycle event raised for observability
type OperationalEvent struct {
	// Event connect, subscribe, unsubscribe, ws_disconnect, or ws_disconnect_error
	Event          string
	ClientID       string
	RequestID      *int64
	SessionToken   string
	InstallationID string
	UseMasterKey   bool
	Clients        int
	Subscriptions  int
	Err            error
}

// Operational event names
const (
	EventConnect           = "connect"
	EventSubscribe         = "subscribe"
	EventUnsubscribe       = "unsubscribe"
	EventDisconnect        = "ws_disconnect"
	EventDisconnectAnomaly = "ws_disconnect_error"
)

// BeforeConnectHook may augment a connect request, or reject it by returning an error
type BeforeConnectHook func(ctxt context.Context, req ConnectHookRequest) (ConnectHookRequest, error)

// BeforeSubscribeHook may rewrite a subscription query, or reject it by returning an
// error
type BeforeSubscribeHook func(ctxt context.Context, req SubscribeHookRequest) (SubscribeHookRequest, error)

// AfterEventHook may modify or suppress a notification. An error is reported to
// that one subscriber.
type AfterEventHook func(ctxt context.Context, req AfterEventRequest) (AfterEventRequest, error)

// OperationalEventHook observer of operational events. Called synchronously.
type OperationalEventHook func(ctxt context.Context, event OperationalEvent)

// Hooks optional interception points. Nil members are skipped.
type Hooks struct {
	BeforeConnect      BeforeConnectHook
	BeforeSubscribe    BeforeSubscribeHook
	AfterEvent         AfterEventHook
	OnOperationalEvent OperationalEventHook
}
