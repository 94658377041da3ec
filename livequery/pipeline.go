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
	"strings"
	"sync/atomic"

	"github.com/alwitt/livequery/auth"
	"github.com/alwitt/livequery/common"
	"github.com/alwitt/livequery/dataplane"
	"github.com/alwitt/livequery/protocol"
	"github.com/apex/log"
)

// EventType kind of notification a subscriber receives
type EventType string

// Notification kinds
const (
	EventCreate EventType = "create"
	EventEnter  EventType = "enter"
	EventUpdate EventType = "update"
	EventLeave  EventType = "leave"
	EventDelete EventType = "delete"
)

var eventTypeOps = map[EventType]string{
	EventCreate: protocol.OpCreated,
	EventEnter:  protocol.OpEntered,
	EventUpdate: protocol.OpUpdated,
	EventLeave:  protocol.OpLeft,
	EventDelete: protocol.OpDeleted,
}

// deriveEventType map the visibility of the record before and after a save onto a
// notification kind. ok is false when there is nothing to notify.
func deriveEventType(originalVisible, currentVisible, hadOriginal bool) (EventType, bool) {
	switch {
	case originalVisible && currentVisible:
		return EventUpdate, true
	case originalVisible:
		return EventLeave, true
	case currentVisible && hadOriginal:
		return EventEnter, true
	case currentVisible:
		return EventCreate, true
	}
	return "", false
}

// clpVerb the class level permission verb a where-clause implies
func clpVerb(where map[string]interface{}) string {
	if len(where) == 1 {
		if _, ok := where[common.FieldObjectID].(string); ok {
			return "get"
		}
	}
	return "find"
}

// notificationTarget one (client, request ID) to evaluate an event for
type notificationTarget struct {
	client         *Client
	slot           *pendingFrame
	requestID      int64
	where          map[string]interface{}
	fields         []string
	sessionToken   string
	hasMasterKey   bool
	installationID string
}

// subscriptionSnapshot a Subscription as of the arrival of an event
type subscriptionSnapshot struct {
	fingerprint string
	where       map[string]interface{}
	attachments []attachmentRef
}

type attachmentRef struct {
	clientID  string
	requestID int64
}

// OnChangeEvent notify every subscriber affected by a record mutation.
//
// Each subscriber is evaluated in its own goroutine. Frame slots are queued on each
// client before evaluation starts, so a client receives its notifications in event
// order. Reserving a slot never waits: a client whose delivery queue is full is
// dropped and told to reconnect.
func (s *serverImpl) OnChangeEvent(ctxt context.Context, event dataplane.ChangeEvent) {
	changeEventsReceived.WithLabelValues(string(event.Type)).Inc()

	s.lock.RLock()
	subs := s.index.ForClass(event.ClassName)
	if len(subs) == 0 {
		s.lock.RUnlock()
		return
	}
	snapshots := make([]subscriptionSnapshot, 0, len(subs))
	for _, sub := range subs {
		snapshot := subscriptionSnapshot{fingerprint: sub.Fingerprint, where: sub.Where}
		for _, attachment := range sub.Attachments() {
			snapshot.attachments = append(
				snapshot.attachments,
				attachmentRef{clientID: attachment.ClientID, requestID: attachment.RequestID},
			)
		}
		snapshots = append(snapshots, snapshot)
	}
	clients, subscriptions := s.counts()
	s.lock.RUnlock()

	for _, snapshot := range snapshots {
		var originalMatched, currentMatched bool
		if event.Type == dataplane.ChangeEventDelete {
			currentMatched = s.matcher.Matches(event.Current, snapshot.where)
		} else {
			originalMatched = event.Original != nil && s.matcher.Matches(event.Original, snapshot.where)
			currentMatched = s.matcher.Matches(event.Current, snapshot.where)
		}
		if !originalMatched && !currentMatched {
			continue
		}

		targets, overflowed := s.reserveTargets(snapshot)
		for _, client := range overflowed {
			s.dropSlowClient(ctxt, client)
		}
		for _, target := range targets {
			s.wg.Add(1)
			go func(target notificationTarget) {
				defer s.wg.Done()
				s.notify(
					ctxt, event, target, originalMatched, currentMatched, clients, subscriptions,
				)
			}(target)
		}
	}
}

// reserveTargets queue a frame slot on every client still attached to a Subscription.
// Clients whose delivery queue is full get no more slots for this event, and are
// returned separately.
func (s *serverImpl) reserveTargets(
	snapshot subscriptionSnapshot,
) ([]notificationTarget, []*Client) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	targets := make([]notificationTarget, 0, len(snapshot.attachments))
	var overflowed []*Client
	full := map[string]bool{}
	for _, ref := range snapshot.attachments {
		if full[ref.clientID] {
			continue
		}
		client, ok := s.clients[ref.clientID]
		if !ok {
			continue
		}
		info, ok := client.subscriptionInfos[ref.requestID]
		if !ok || info.Fingerprint != snapshot.fingerprint {
			continue
		}
		slot, err := client.reserveFrame()
		if err != nil {
			if errors.Is(err, common.ErrTaskQueueFull) {
				full[ref.clientID] = true
				overflowed = append(overflowed, client)
			} else {
				log.WithError(err).WithFields(client.LogTags).Debug("Unable to reserve frame")
			}
			continue
		}
		targets = append(targets, notificationTarget{
			client:         client,
			slot:           slot,
			requestID:      ref.requestID,
			where:          snapshot.where,
			fields:         info.Fields,
			sessionToken:   client.effectiveSessionToken(ref.requestID),
			hasMasterKey:   client.hasMasterKey,
			installationID: client.installationID,
		})
	}
	if len(overflowed) == 0 {
		return targets, nil
	}
	kept := targets[:0]
	for _, target := range targets {
		if !full[target.client.ID] {
			kept = append(kept, target)
		}
	}
	return kept, overflowed
}

// notify evaluate one event for one subscriber, and fill its frame slot
func (s *serverImpl) notify(
	ctxt context.Context,
	event dataplane.ChangeEvent,
	target notificationTarget,
	originalMatched, currentMatched bool,
	clients, subscriptions int,
) {
	var frame []byte
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = protocol.NewInternalError(fmt.Errorf("panic: %v", r))
			frame = nil
		}
		if err != nil {
			frame = s.notificationError(event, target, err)
		}
		target.slot.fill(frame)
	}()
	frame, err = s.evaluate(
		ctxt, event, target, originalMatched, currentMatched, clients, subscriptions,
	)
}

// notificationError build the error frame for a failed notification
func (s *serverImpl) notificationError(
	event dataplane.ChangeEvent, target notificationTarget, err error,
) []byte {
	notificationErrors.Inc()
	logTags := log.Fields{}
	for k, v := range target.client.LogTags {
		logTags[k] = v
	}
	logTags["class_name"] = event.ClassName
	logTags["event"] = string(event.Type)
	logTags["session_token"] = target.sessionToken
	log.WithError(err).WithFields(logTags).Errorf(
		"Failed to notify request %d of %s", target.requestID, event,
	)
	errFrame := protocol.NewErrorResponse(err, &target.requestID)
	errFrame.Reconnect = false
	raw, marshalErr := json.Marshal(&errFrame)
	if marshalErr != nil {
		log.WithError(marshalErr).WithFields(logTags).Error("Unable to serialize error frame")
		return nil
	}
	return raw
}

// evaluate decide what, if anything, one subscriber receives for an event
func (s *serverImpl) evaluate(
	ctxt context.Context,
	event dataplane.ChangeEvent,
	target notificationTarget,
	originalMatched, currentMatched bool,
	clients, subscriptions int,
) ([]byte, error) {
	requester := &Requester{UseMasterKey: target.hasMasterKey}
	var principal *auth.Principal
	if target.sessionToken != "" {
		resolved, err := s.resolver.Resolve(ctxt, target.sessionToken)
		switch {
		case err == nil:
			principal = &resolved
			requester.UserID = resolved.UserID
			sessionToken := target.sessionToken
			requester.loadRoles = func(ctxt context.Context) ([]string, error) {
				return s.resolver.Roles(ctxt, sessionToken)
			}
		case errors.Is(err, auth.ErrInvalidSession):
			// Evaluated as an anonymous subscriber
		default:
			return nil, fmt.Errorf("session lookup failed: %w", err)
		}
	}

	allowed, err := s.permissions.EvaluateClassPermission(
		ctxt, event.ClassLevelPermissions, event.ClassName, requester, clpVerb(target.where),
	)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, nil
	}

	var eventType EventType
	if event.Type == dataplane.ChangeEventDelete {
		visible, err := s.canRead(ctxt, event.Current, requester)
		if err != nil {
			return nil, err
		}
		if !visible {
			return nil, nil
		}
		eventType = EventDelete
	} else {
		originalVisible := false
		if originalMatched {
			if originalVisible, err = s.canRead(ctxt, event.Original, requester); err != nil {
				return nil, err
			}
		}
		currentVisible := false
		if currentMatched {
			if currentVisible, err = s.canRead(ctxt, event.Current, requester); err != nil {
				return nil, err
			}
		}
		var ok bool
		if eventType, ok = deriveEventType(originalVisible, currentVisible, event.Original != nil); !ok {
			return nil, nil
		}
	}

	object := event.Current.Copy()
	var original common.Record
	if event.Type == dataplane.ChangeEventSave {
		original = event.Original.Copy()
	}

	if s.hooks.AfterEvent != nil {
		result, err := s.hooks.AfterEvent(ctxt, AfterEventRequest{
			Event:          eventType,
			ClassName:      event.ClassName,
			ClientID:       target.client.ID,
			RequestID:      target.requestID,
			SessionToken:   target.sessionToken,
			InstallationID: target.installationID,
			UseMasterKey:   target.hasMasterKey,
			Principal:      principal,
			Object:         object,
			Original:       original,
			Clients:        clients,
			Subscriptions:  subscriptions,
			SendEvent:      true,
		})
		if err != nil {
			return nil, protocol.NewInterceptionError(err)
		}
		if !result.SendEvent {
			return nil, nil
		}
		object = result.Object
		original = result.Original
	}

	protected, err := s.permissions.ComputeProtectedFields(
		ctxt, event.ClassLevelPermissions, event.ClassName, target.where, requester,
	)
	if err != nil {
		return nil, err
	}
	object = redact(object, event.ClassName, protected, target.fields, requester)
	original = redact(original, event.ClassName, protected, target.fields, requester)

	notificationsSent.WithLabelValues(string(eventType)).Inc()
	requestID := target.requestID
	return json.Marshal(&protocol.Response{
		Op:             eventTypeOps[eventType],
		ClientID:       target.client.ID,
		InstallationID: target.installationID,
		RequestID:      &requestID,
		Object:         object,
		Original:       original,
	})
}

// canRead whether a record ACL lets the requester read the record
func (s *serverImpl) canRead(
	ctxt context.Context, record common.Record, requester *Requester,
) (bool, error) {
	atomic.AddInt64(&s.aclEvaluations, 1)
	acl := record.ACL()
	if acl == nil || aclGrantsRead(acl, "*") || requester.UseMasterKey {
		return true, nil
	}
	if requester.UserID == "" {
		return false, nil
	}
	if aclGrantsRead(acl, requester.UserID) {
		return true, nil
	}
	if !hasRoleKeys(acl) {
		return false, nil
	}
	roles, err := requester.Roles(ctxt)
	if err != nil {
		return false, err
	}
	for _, role := range roles {
		if aclGrantsRead(acl, "role:"+role) {
			return true, nil
		}
	}
	return false, nil
}

func aclGrantsRead(acl map[string]interface{}, key string) bool {
	entry, ok := acl[key].(map[string]interface{})
	if !ok {
		return false
	}
	read, _ := entry["read"].(bool)
	return read
}

// userSecretFields fields of a user record never sent to clients
var userSecretFields = []string{"password", "sessionToken"}

// redact remove protected and internal fields, and apply the projection
func redact(
	record common.Record,
	className string,
	protected []string,
	projection []string,
	requester *Requester,
) common.Record {
	if record == nil {
		return nil
	}
	for _, field := range protected {
		delete(record, field)
	}
	for field := range record {
		if strings.HasPrefix(field, "_") {
			delete(record, field)
		}
	}
	if className == "_User" && !requester.UseMasterKey {
		for _, field := range userSecretFields {
			delete(record, field)
		}
		if requester.UserID == "" || requester.UserID != record.ObjectID() {
			delete(record, "authData")
		}
	}
	if len(projection) > 0 {
		keep := make(map[string]bool, len(projection)+len(common.DefaultRecordFields))
		for _, field := range common.DefaultRecordFields {
			keep[field] = true
		}
		for _, field := range projection {
			keep[field] = true
		}
		for field := range record {
			if !keep[field] {
				delete(record, field)
			}
		}
	}
	return record
}
