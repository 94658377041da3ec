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
)

// redisPubSubImpl implements PubSub over Redis PUBLISH / SUBSCRIBE
type redisPubSubImpl struct {
	common.Component
	redis *core.RedisClient
}

// GetRedisPubSub define a PubSub backed by Redis pub/sub
func GetRedisPubSub(redisClient *core.RedisClient, instance string) (PubSub, error) {
	return &redisPubSubImpl{
		Component: common.Component{
			LogTags: log.Fields{
				"module": "dataplane", "component": "redis-pubsub", "instance": instance,
			},
		},
		redis: redisClient,
	}, nil
}

// Publish publish a message on a channel
func (p *redisPubSubImpl) Publish(ctxt context.Context, channel string, msg []byte) error {
	if err := p.redis.Client().Publish(ctxt, channel, msg).Err(); err != nil {
		log.WithError(err).WithFields(p.GetLogTagsForContext(ctxt)).Errorf(
			"Failed to publish on %s", channel,
		)
		return err
	}
	return nil
}

// Subscribe start receiving messages on a channel
func (p *redisPubSubImpl) Subscribe(
	ctxt context.Context, wg *sync.WaitGroup, channel string, handler MessageHandler,
) error {
	sub := p.redis.Client().Subscribe(ctxt, channel)
	// Wait for the subscription confirmation
	if _, err := sub.Receive(ctxt); err != nil {
		log.WithError(err).WithFields(p.LogTags).Errorf("Failed to subscribe to %s", channel)
		_ = sub.Close()
		return err
	}
	log.WithFields(p.LogTags).Infof("Subscribed to %s", channel)

	msgs := sub.Channel()
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() {
			if err := sub.Close(); err != nil {
				log.WithError(err).WithFields(p.LogTags).Errorf(
					"Error occurred when unsubscribing from %s", channel,
				)
				return
			}
			log.WithFields(p.LogTags).Infof("Unsubscribed from %s", channel)
		}()
		for {
			select {
			case <-ctxt.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				handler(ctxt, msg.Channel, []byte(msg.Payload))
			}
		}
	}()
	return nil
}

// Ready whether the Redis server responds
func (p *redisPubSubImpl) Ready(ctxt context.Context) bool {
	return p.redis.Connected(ctxt)
}
