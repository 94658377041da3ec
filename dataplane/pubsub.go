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
	"github.com/google/uuid"
)

// MessageHandler callback processing one message received on a channel
type MessageHandler func(ctxt context.Context, channel string, msg []byte)

// PubSub publish / subscribe backbone carrying change events from the mutation
// path to the live query servers.
//
// Messages published on one channel must reach each subscriber of that channel in
// publish order.
type PubSub interface {
	// Publish publish a message on a channel
	Publish(ctxt context.Context, channel string, msg []byte) error
	// Subscribe start receiving messages on a channel. The subscription is removed
	// once the context ends.
	Subscribe(ctxt context.Context, wg *sync.WaitGroup, channel string, handler MessageHandler) error
	// Ready whether the backbone is currently usable
	Ready(ctxt context.Context) bool
}

// ==============================================================================

// localMessage one message queued for a local subscriber
type localMessage struct {
	channel string
	payload []byte
}

// localSubscriber one subscriber of the in-process backbone
type localSubscriber struct {
	id    string
	queue common.TaskProcessor
}

// localPubSubImpl implements PubSub within one process
type localPubSubImpl struct {
	common.Component
	subscribers map[string]map[string]*localSubscriber
	lock        sync.RWMutex
	queueSize   int
}

// GetLocalPubSub define an in-process PubSub.
//
// Each subscriber has its own delivery queue of queueSize messages; Publish blocks
// while a subscriber's queue is full.
func GetLocalPubSub(instance string, queueSize int) (PubSub, error) {
	if queueSize < 1 {
		return nil, fmt.Errorf("subscriber queue size must be positive: %d", queueSize)
	}
	return &localPubSubImpl{
		Component: common.Component{
			LogTags: log.Fields{
				"module": "dataplane", "component": "local-pubsub", "instance": instance,
			},
		},
		subscribers: make(map[string]map[string]*localSubscriber),
		queueSize:   queueSize,
	}, nil
}

// Publish publish a message on a channel
func (p *localPubSubImpl) Publish(ctxt context.Context, channel string, msg []byte) error {
	p.lock.RLock()
	targets := make([]*localSubscriber, 0, len(p.subscribers[channel]))
	for _, sub := range p.subscribers[channel] {
		targets = append(targets, sub)
	}
	p.lock.RUnlock()

	for _, sub := range targets {
		payload := make([]byte, len(msg))
		copy(payload, msg)
		if err := sub.queue.Submit(ctxt, localMessage{channel: channel, payload: payload}); err != nil {
			log.WithError(err).WithFields(p.LogTags).Errorf(
				"Failed to queue message on %s for subscriber %s", channel, sub.id,
			)
			return err
		}
	}
	return nil
}

// Subscribe start receiving messages on a channel
func (p *localPubSubImpl) Subscribe(
	ctxt context.Context, wg *sync.WaitGroup, channel string, handler MessageHandler,
) error {
	subID := uuid.New().String()
	queue, err := common.GetNewTaskProcessorInstance(
		ctxt, fmt.Sprintf("local-sub-%s", subID), p.queueSize,
	)
	if err != nil {
		log.WithError(err).WithFields(p.LogTags).Errorf("Unable to define queue for %s", channel)
		return err
	}
	if err := queue.AddToTaskExecutionMap(
		reflect.TypeOf(localMessage{}),
		func(param interface{}) error {
			msg := param.(localMessage)
			handler(ctxt, msg.channel, msg.payload)
			return nil
		},
	); err != nil {
		return err
	}
	if err := queue.StartEventLoop(wg); err != nil {
		log.WithError(err).WithFields(p.LogTags).Errorf("Unable to start queue for %s", channel)
		return err
	}

	sub := &localSubscriber{id: subID, queue: queue}
	p.lock.Lock()
	if _, ok := p.subscribers[channel]; !ok {
		p.subscribers[channel] = make(map[string]*localSubscriber)
	}
	p.subscribers[channel][subID] = sub
	p.lock.Unlock()
	log.WithFields(p.LogTags).Debugf("Subscriber %s joined %s", subID, channel)

	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctxt.Done()
		p.lock.Lock()
		delete(p.subscribers[channel], subID)
		if len(p.subscribers[channel]) == 0 {
			delete(p.subscribers, channel)
		}
		p.lock.Unlock()
		_ = queue.StopEventLoop()
		log.WithFields(p.LogTags).Debugf("Subscriber %s left %s", subID, channel)
	}()
	return nil
}

// Ready the in-process backbone is always usable
func (p *localPubSubImpl) Ready(_ context.Context) bool {
	return true
}
