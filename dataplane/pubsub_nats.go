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
	"sync"

	"github.com/alwitt/livequery/common"
	"github.com/alwitt/livequery/core"
	"github.com/apex/log"
	"github.com/nats-io/nats.go"
)

// natsPubSubImpl implements PubSub over core NATS subjects
type natsPubSubImpl struct {
	common.Component
	nats *core.NatsClient
}

// GetNATSPubSub define a PubSub backed by NATS. Channel names are used as subjects.
//
// NATS delivers the messages of one subscription serially, so per channel ordering
// holds as long as all publishers share one connection per channel.
func GetNATSPubSub(natsClient *core.NatsClient, instance string) (PubSub, error) {
	return &natsPubSubImpl{
		Component: common.Component{
			LogTags: log.Fields{
				"module": "dataplane", "component": "nats-pubsub", "instance": instance,
			},
		},
		nats: natsClient,
	}, nil
}

// Publish publish a message on a channel
func (p *natsPubSubImpl) Publish(ctxt context.Context, channel string, msg []byte) error {
	if err := ctxt.Err(); err != nil {
		return err
	}
	if err := p.nats.NATs().Publish(channel, msg); err != nil {
		log.WithError(err).WithFields(p.GetLogTagsForContext(ctxt)).Errorf(
			"Failed to publish on %s", channel,
		)
		return err
	}
	return nil
}

// Subscribe start receiving messages on a channel
func (p *natsPubSubImpl) Subscribe(
	ctxt context.Context, wg *sync.WaitGroup, channel string, handler MessageHandler,
) error {
	sub, err := p.nats.NATs().Subscribe(channel, func(msg *nats.Msg) {
		handler(ctxt, msg.Subject, msg.Data)
	})
	if err != nil {
		log.WithError(err).WithFields(p.LogTags).Errorf("Failed to subscribe to %s", channel)
		return err
	}
	// Make sure the server has registered interest before returning
	if err := p.nats.NATs().Flush(); err != nil {
		log.WithError(err).WithFields(p.LogTags).Errorf("Flush after subscribing to %s failed", channel)
		_ = sub.Unsubscribe()
		return err
	}
	log.WithFields(p.LogTags).Infof("Subscribed to %s", channel)

	// Automatically un-subscribe once the context is over
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctxt.Done()
		if err := sub.Unsubscribe(); err != nil && err != nats.ErrConnectionClosed {
			log.WithError(err).WithFields(p.LogTags).Errorf(
				"Error occurred when unsubscribing from %s", channel,
			)
			return
		}
		log.WithFields(p.LogTags).Infof("Unsubscribed from %s", channel)
	}()
	return nil
}

// Ready whether the NATS connection is up
func (p *natsPubSubImpl) Ready(_ context.Context) bool {
	return p.nats.Connected()
}
