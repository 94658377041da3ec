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

package dataplane

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/alwitt/livequery/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// ChangeEventHandler consumer of the decoded change event stream
type ChangeEventHandler interface {
	// OnChangeEvent process one record mutation
	OnChangeEvent(ctxt context.Context, event ChangeEvent)
	// OnClearCache drop any cached auth state of a user
	OnClearCache(ctxt context.Context, userID string)
}

// ChangeEventBridge subscribes to an application's change event channels, and feeds
// the decoded events, one at a time and in arrival order, to a ChangeEventHandler.
type ChangeEventBridge interface {
	// Start subscribe to the channels and start the event loop
	Start(wg *sync.WaitGroup) error
	// Stop stop the event loop
	Stop() error
}

// clearCacheRequest queued clear cache request
type clearCacheRequest struct {
	userID string
}

// changeEventBridgeImpl implements ChangeEventBridge
type changeEventBridgeImpl struct {
	common.Component
	appID     string
	pubsub    PubSub
	handler   ChangeEventHandler
	validate  *validator.Validate
	eventLoop common.TaskProcessor
	ctxt      context.Context
}

// GetChangeEventBridge define a new ChangeEventBridge.
//
// eventBuffer is the number of decoded events which can be waiting for the handler.
func GetChangeEventBridge(
	ctxt context.Context,
	appID string,
	pubsub PubSub,
	handler ChangeEventHandler,
	eventBuffer int,
) (ChangeEventBridge, error) {
	logTags := log.Fields{
		"module": "dataplane", "component": "change-event-bridge", "instance": appID,
	}
	eventLoop, err := common.GetNewTaskProcessorInstance(
		ctxt, fmt.Sprintf("bridge-%s", appID), eventBuffer,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define event loop")
		return nil, err
	}
	instance := &changeEventBridgeImpl{
		Component: common.Component{LogTags: logTags},
		appID:     appID,
		pubsub:    pubsub,
		handler:   handler,
		validate:  validator.New(),
		eventLoop: eventLoop,
		ctxt:      ctxt,
	}
	if err := eventLoop.SetTaskExecutionMap(map[reflect.Type]common.TaskHandler{
		reflect.TypeOf(ChangeEvent{}):       instance.processChangeEvent,
		reflect.TypeOf(clearCacheRequest{}): instance.processClearCache,
	}); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to install event handlers")
		return nil, err
	}
	return instance, nil
}

// Start subscribe to the channels and start the event loop
func (b *changeEventBridgeImpl) Start(wg *sync.WaitGroup) error {
	if err := b.eventLoop.StartEventLoop(wg); err != nil {
		log.WithError(err).WithFields(b.LogTags).Error("Unable to start event loop")
		return err
	}
	subscriptions := map[string]MessageHandler{
		ChannelName(b.appID, ChannelAfterSave):   b.receiveSave,
		ChannelName(b.appID, ChannelAfterDelete): b.receiveDelete,
		ChannelName(b.appID, ChannelClearCache):  b.receiveClearCache,
	}
	for channel, handler := range subscriptions {
		if err := b.pubsub.Subscribe(b.ctxt, wg, channel, handler); err != nil {
			log.WithError(err).WithFields(b.LogTags).Errorf("Unable to subscribe to %s", channel)
			return err
		}
	}
	return nil
}

// Stop stop the event loop
func (b *changeEventBridgeImpl) Stop() error {
	return b.eventLoop.StopEventLoop()
}

func (b *changeEventBridgeImpl) receiveSave(ctxt context.Context, channel string, msg []byte) {
	b.receiveChangeEvent(ctxt, channel, ChangeEventSave, msg)
}

func (b *changeEventBridgeImpl) receiveDelete(ctxt context.Context, channel string, msg []byte) {
	b.receiveChangeEvent(ctxt, channel, ChangeEventDelete, msg)
}

func (b *changeEventBridgeImpl) receiveChangeEvent(
	ctxt context.Context, channel string, eventType ChangeEventType, msg []byte,
) {
	event, err := parseChangeEvent(b.validate, eventType, msg)
	if err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf("Dropping bad message on %s: %s", channel, msg)
		return
	}
	if err := b.eventLoop.Submit(ctxt, event); err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf("Failed to queue %s", event)
	}
}

func (b *changeEventBridgeImpl) receiveClearCache(ctxt context.Context, channel string, msg []byte) {
	req, err := parseClearCache(b.validate, msg)
	if err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf("Dropping bad message on %s: %s", channel, msg)
		return
	}
	if err := b.eventLoop.Submit(ctxt, clearCacheRequest{userID: req.UserID}); err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf("Failed to queue clear cache for %s", req.UserID)
	}
}

func (b *changeEventBridgeImpl) processChangeEvent(param interface{}) error {
	event, ok := param.(ChangeEvent)
	if !ok {
		return fmt.Errorf("unexpected task param %s", reflect.TypeOf(param))
	}
	log.WithFields(b.LogTags).Debugf("Processing %s", event)
	b.handler.OnChangeEvent(b.ctxt, event)
	return nil
}

func (b *changeEventBridgeImpl) processClearCache(param interface{}) error {
	req, ok := param.(clearCacheRequest)
	if !ok {
		return fmt.Errorf("unexpected task param %s", reflect.TypeOf(param))
	}
	b.handler.OnClearCache(b.ctxt, req.userID)
	return nil
}
