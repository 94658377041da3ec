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
	"encoding/json"
	"errors"
	"fmt"

	"github.com/alwitt/livequery/auth"
	"github.com/alwitt/livequery/common"
	"github.com/alwitt/livequery/protocol"
	"github.com/apex/log"
	"github.com/google/uuid"
)

// Collection holding user sessions. Subscriptions on it are limited to the
// subscriber's own sessions.
const sessionClassName = "_Session"

// HandleInboundMessage process one message received from a connection
func (s *serverImpl) HandleInboundMessage(ctxt context.Context, conn Connection, raw []byte) {
	var requestID *int64
	defer func() {
		if r := recover(); r != nil {
			err := protocol.NewInternalError(fmt.Errorf("panic: %v", r))
			log.WithError(err).WithFields(s.LogTags).Error("Request handler panicked")
			s.pushError(ctxt, conn, err, requestID)
		}
	}()

	request, reqID, err := s.decoder.Decode(raw)
	requestID = reqID
	if err != nil {
		log.WithError(err).WithFields(s.GetLogTagsForContext(ctxt)).Errorf("Rejected message: %s", raw)
		s.pushError(ctxt, conn, err, requestID)
		return
	}

	switch req := request.(type) {
	case *protocol.ConnectRequest:
		err = s.handleConnect(ctxt, conn, req)
	case *protocol.SubscribeRequest:
		if req.Op == protocol.OpUpdate {
			err = s.handleSubscribe(ctxt, conn, req, true)
		} else {
			err = s.handleSubscribe(ctxt, conn, req, false)
		}
	case *protocol.UnsubscribeRequest:
		err = s.handleUnsubscribe(ctxt, conn, *req.RequestID, true)
	default:
		err = protocol.NewUnknownOperationError()
	}
	if err != nil {
		log.WithError(err).WithFields(s.GetLogTagsForContext(ctxt)).Errorf(
			"%s request failed", request.Operation(),
		)
		s.pushError(ctxt, conn, err, requestID)
	}
}

// pushError send an error frame, through the client delivery queue when the
// connection has a client so the frame keeps its place among the others
func (s *serverImpl) pushError(
	ctxt context.Context, conn Connection, err error, requestID *int64,
) {
	lqErr := protocol.AsLiveQueryError(err)
	requestErrors.WithLabelValues(string(lqErr.Kind)).Inc()
	frame := protocol.NewErrorResponse(lqErr, requestID)

	s.lock.Lock()
	var client *Client
	if clientID, ok := s.connections[conn]; ok {
		client = s.clients[clientID]
	}
	dropped := false
	if client != nil {
		dropped = s.queueFrame(client, &frame)
	}
	s.lock.Unlock()
	if client != nil {
		if dropped {
			s.announceDropped(ctxt, client)
		}
		return
	}

	raw, err := json.Marshal(&frame)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to serialize error frame")
		return
	}
	if err := conn.Send(raw); err != nil {
		log.WithError(err).WithFields(s.LogTags).Debug("Error frame send failed")
	}
}

// =========================================================================================

func (s *serverImpl) handleConnect(
	ctxt context.Context, conn Connection, req *protocol.ConnectRequest,
) error {
	if !s.validKeys(req.KeyPairs()) {
		return protocol.NewAuthenticationError()
	}
	hasMasterKey := s.masterKey != "" && req.MasterKey == s.masterKey
	clientID := uuid.New().String()
	sessionToken := req.SessionToken
	installationID := req.InstallationID

	if s.hooks.BeforeConnect != nil {
		s.lock.RLock()
		clients, subscriptions := s.counts()
		s.lock.RUnlock()
		hookReq := ConnectHookRequest{
			ClientID:       clientID,
			SessionToken:   sessionToken,
			InstallationID: installationID,
			UseMasterKey:   hasMasterKey,
			Principal:      s.resolvePrincipal(ctxt, sessionToken),
			Clients:        clients,
			Subscriptions:  subscriptions,
		}
		result, err := s.hooks.BeforeConnect(ctxt, hookReq)
		if err != nil {
			return protocol.NewInterceptionError(err)
		}
		sessionToken = result.SessionToken
		installationID = result.InstallationID
	}

	client, err := newClient(
		s.ctxt, s.wg, clientID, conn, hasMasterKey, sessionToken, installationID, s.deliveryBuffer,
	)
	if err != nil {
		return err
	}

	s.lock.Lock()
	// A connection sending connect again replaces its previous client
	if previous, ok := s.connections[conn]; ok {
		s.removeClient(previous)
	}
	s.clients[clientID] = client
	s.connections[conn] = clientID
	dropped := s.queueFrame(client, &protocol.Response{
		Op: protocol.OpConnected, ClientID: clientID, InstallationID: installationID,
	})
	clients, subscriptions := s.counts()
	s.lock.Unlock()
	if dropped {
		s.announceDropped(ctxt, client)
		return nil
	}

	s.raiseOperationalEvent(ctxt, OperationalEvent{
		Event:          EventConnect,
		ClientID:       clientID,
		SessionToken:   sessionToken,
		InstallationID: installationID,
		UseMasterKey:   hasMasterKey,
		Clients:        clients,
		Subscriptions:  subscriptions,
	})
	return nil
}

// clientFor find the client of a connection. Caller holds the lock.
func (s *serverImpl) clientFor(conn Connection) (*Client, bool) {
	clientID, ok := s.connections[conn]
	if !ok {
		return nil, false
	}
	client, ok := s.clients[clientID]
	return client, ok
}

// detach remove one subscription of a client. Caller holds the write lock.
func (s *serverImpl) detach(client *Client, requestID int64) bool {
	info, ok := client.subscriptionInfos[requestID]
	if !ok {
		return false
	}
	if err := s.index.Detach(info.ClassName, info.Fingerprint, client.ID, requestID); err != nil {
		log.WithError(err).WithFields(client.LogTags).Errorf(
			"Subscription %d was not attached", requestID,
		)
	}
	delete(client.subscriptionInfos, requestID)
	return true
}

// removeClient detach every subscription of a client and unregister it. Caller holds
// the write lock.
func (s *serverImpl) removeClient(clientID string) {
	client, ok := s.clients[clientID]
	if !ok {
		return
	}
	for requestID := range client.subscriptionInfos {
		s.detach(client, requestID)
	}
	delete(s.clients, clientID)
	for conn, id := range s.connections {
		if id == clientID {
			delete(s.connections, conn)
		}
	}
	client.close()
}

// queueFrame queue a ready frame on a client without waiting. A client whose
// delivery queue is full is removed, and true is returned. Caller holds the write lock.
func (s *serverImpl) queueFrame(client *Client, frame interface{}) bool {
	err := client.enqueueFrame(frame)
	if err == nil {
		return false
	}
	if errors.Is(err, common.ErrTaskQueueFull) {
		log.WithError(err).WithFields(client.LogTags).Warn("Delivery queue full, dropping client")
		s.removeClient(client.ID)
		return true
	}
	log.WithError(err).WithFields(client.LogTags).Debug("Unable to queue frame")
	return false
}

// dropSlowClient remove a client whose delivery queue is full, unless it is
// already gone
func (s *serverImpl) dropSlowClient(ctxt context.Context, client *Client) {
	s.lock.Lock()
	if current, ok := s.clients[client.ID]; !ok || current != client {
		s.lock.Unlock()
		return
	}
	log.WithFields(client.LogTags).Warn("Delivery queue full, dropping client")
	s.removeClient(client.ID)
	s.lock.Unlock()
	s.announceDropped(ctxt, client)
}

// announceDropped tell a removed slow client to reconnect. The frame bypasses the
// delivery queue, which was discarded with the client.
func (s *serverImpl) announceDropped(ctxt context.Context, client *Client) {
	slowClientsDropped.Inc()
	lqErr := protocol.NewSlowClientError()
	frame := protocol.NewErrorResponse(lqErr, nil)
	if raw, err := json.Marshal(&frame); err != nil {
		log.WithError(err).WithFields(client.LogTags).Error("Unable to serialize error frame")
	} else if err := client.conn.Send(raw); err != nil {
		log.WithError(err).WithFields(client.LogTags).Debug("Error frame send failed")
	}

	s.lock.RLock()
	clients, subscriptions := s.counts()
	s.lock.RUnlock()
	s.raiseOperationalEvent(ctxt, OperationalEvent{
		Event:          EventDisconnectAnomaly,
		ClientID:       client.ID,
		SessionToken:   client.sessionToken,
		InstallationID: client.installationID,
		UseMasterKey:   client.hasMasterKey,
		Clients:        clients,
		Subscriptions:  subscriptions,
		Err:            lqErr,
	})
}

func (s *serverImpl) handleSubscribe(
	ctxt context.Context, conn Connection, req *protocol.SubscribeRequest, isUpdate bool,
) error {
	requestID := *req.RequestID

	s.lock.RLock()
	client, ok := s.clientFor(conn)
	var hasMasterKey bool
	var clientToken, installationID string
	if ok {
		hasMasterKey = client.hasMasterKey
		clientToken = client.sessionToken
		installationID = client.installationID
	}
	s.lock.RUnlock()
	if !ok {
		return protocol.NewNotFoundError(
			"Can not find this client, make sure you connect to server before subscribing",
		)
	}

	query, sessionToken, err := s.prepareSubscription(
		ctxt, client, req, hasMasterKey, clientToken, installationID,
	)
	if err != nil {
		if isUpdate {
			// The previous subscription is dropped even when its replacement is refused
			s.lock.Lock()
			s.detach(client, requestID)
			s.lock.Unlock()
		}
		return err
	}

	s.lock.Lock()
	if current, ok := s.clients[client.ID]; !ok || current != client {
		s.lock.Unlock()
		return protocol.NewNotFoundError(
			fmt.Sprintf("Cannot find client with clientId %s", client.ID),
		)
	}
	// Replace any previous subscription under this request ID
	s.detach(client, requestID)
	fingerprint, err := s.index.Attach(query.ClassName, query.Where, client.ID, requestID)
	if err != nil {
		s.lock.Unlock()
		return err
	}
	client.subscriptionInfos[requestID] = &SubscriptionInfo{
		ClassName:    query.ClassName,
		Fingerprint:  fingerprint,
		Fields:       query.Fields,
		SessionToken: req.SessionToken,
	}
	dropped := s.queueFrame(client, &protocol.Response{
		Op:             protocol.OpSubscribed,
		ClientID:       client.ID,
		InstallationID: installationID,
		RequestID:      &requestID,
	})
	clients, subscriptions := s.counts()
	s.lock.Unlock()
	if dropped {
		s.announceDropped(ctxt, client)
		return nil
	}

	log.WithFields(client.LogTags).Debugf(
		"Request %d subscribed to %s/%s", requestID, query.ClassName, fingerprint,
	)
	s.raiseOperationalEvent(ctxt, OperationalEvent{
		Event:          EventSubscribe,
		ClientID:       client.ID,
		RequestID:      &requestID,
		SessionToken:   sessionToken,
		InstallationID: installationID,
		UseMasterKey:   hasMasterKey,
		Clients:        clients,
		Subscriptions:  subscriptions,
	})
	return nil
}

// prepareSubscription run the before subscribe hook and apply the session collection
// constraint
func (s *serverImpl) prepareSubscription(
	ctxt context.Context,
	client *Client,
	req *protocol.SubscribeRequest,
	hasMasterKey bool,
	clientToken, installationID string,
) (protocol.Query, string, error) {
	query := protocol.Query{
		ClassName: req.Query.ClassName,
		Where:     map[string]interface{}(common.Record(req.Query.Where).Copy()),
		Fields:    append([]string(nil), req.Query.Fields...),
	}
	sessionToken := req.SessionToken
	if sessionToken == "" {
		sessionToken = clientToken
	}

	if s.hooks.BeforeSubscribe != nil {
		result, err := s.hooks.BeforeSubscribe(ctxt, SubscribeHookRequest{
			ClientID:       client.ID,
			RequestID:      *req.RequestID,
			Query:          query,
			SessionToken:   sessionToken,
			InstallationID: installationID,
			UseMasterKey:   hasMasterKey,
			Principal:      s.resolvePrincipal(ctxt, sessionToken),
		})
		if err != nil {
			return protocol.Query{}, "", protocol.NewInterceptionError(err)
		}
		query = result.Query
		if query.ClassName == "" {
			return protocol.Query{}, "", protocol.NewInterceptionError(
				fmt.Errorf("subscription query has no className"),
			)
		}
		if query.Where == nil {
			query.Where = map[string]interface{}{}
		}
	}

	if query.ClassName == sessionClassName && !hasMasterKey {
		principal, err := s.resolver.Resolve(ctxt, sessionToken)
		if err != nil {
			if sessionToken == "" || errors.Is(err, auth.ErrInvalidSession) {
				return protocol.Query{}, "", protocol.NewSessionError("Invalid session token", err)
			}
			return protocol.Query{}, "", fmt.Errorf("session lookup failed: %w", err)
		}
		query.Where["user"] = map[string]interface{}{
			"__type": "Pointer", "className": "_User", "objectId": principal.UserID,
		}
	}
	return query, sessionToken, nil
}

func (s *serverImpl) handleUnsubscribe(
	ctxt context.Context, conn Connection, requestID int64, notify bool,
) error {
	s.lock.Lock()
	client, ok := s.clientFor(conn)
	if !ok {
		s.lock.Unlock()
		return protocol.NewNotFoundError(
			"Can not find this client, make sure you connect to server before unsubscribing",
		)
	}
	if !s.detach(client, requestID) {
		s.lock.Unlock()
		return protocol.NewNotFoundError(fmt.Sprintf(
			"Cannot find subscription with clientId %s subscriptionId %d. Make sure you subscribe to live query server before unsubscribing.",
			client.ID, requestID,
		))
	}
	dropped := false
	if notify {
		dropped = s.queueFrame(client, &protocol.Response{
			Op:             protocol.OpUnsubscribed,
			ClientID:       client.ID,
			InstallationID: client.installationID,
			RequestID:      &requestID,
		})
	}
	clients, subscriptions := s.counts()
	event := OperationalEvent{
		Event:          EventUnsubscribe,
		ClientID:       client.ID,
		RequestID:      &requestID,
		SessionToken:   client.sessionToken,
		InstallationID: client.installationID,
		UseMasterKey:   client.hasMasterKey,
		Clients:        clients,
		Subscriptions:  subscriptions,
	}
	s.lock.Unlock()
	if dropped {
		s.announceDropped(ctxt, client)
		return nil
	}

	s.raiseOperationalEvent(ctxt, event)
	return nil
}

// HandleDisconnect tear down everything associated with a closed connection
func (s *serverImpl) HandleDisconnect(ctxt context.Context, conn Connection) {
	s.lock.Lock()
	client, ok := s.clientFor(conn)
	if !ok {
		delete(s.connections, conn)
		clients, subscriptions := s.counts()
		s.lock.Unlock()
		s.raiseOperationalEvent(ctxt, OperationalEvent{
			Event:         EventDisconnectAnomaly,
			Clients:       clients,
			Subscriptions: subscriptions,
			Err:           fmt.Errorf("disconnecting connection has no registered client"),
		})
		return
	}
	s.removeClient(client.ID)
	clients, subscriptions := s.counts()
	s.lock.Unlock()

	s.raiseOperationalEvent(ctxt, OperationalEvent{
		Event:          EventDisconnect,
		ClientID:       client.ID,
		SessionToken:   client.sessionToken,
		InstallationID: client.installationID,
		UseMasterKey:   client.hasMasterKey,
		Clients:        clients,
		Subscriptions:  subscriptions,
	})
}
