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

package core

import (
	"context"
	"time"

	"github.com/alwitt/livequery/common"
	"github.com/apex/log"
	"github.com/redis/go-redis/v9"
)

// RedisConnectParams Redis connection parameter
type RedisConnectParams struct {
	// ServerAddr the Redis server address as "host:port"
	ServerAddr string `validate:"required,hostname_port"`
	// Username optional ACL user
	Username string
	// Password optional password
	Password string
	// DB the logical database to select
	DB int
	// DialTimeout max time to wait for connection
	DialTimeout time.Duration
}

// RedisClient Redis client used for pub/sub and session lookups
type RedisClient struct {
	common.Component
	client *redis.Client
}

// Client fetch the underlying Redis client
func (c *RedisClient) Client() *redis.Client {
	return c.client
}

// Connected whether the server responds to a PING
func (c *RedisClient) Connected(ctxt context.Context) bool {
	return c.client.Ping(ctxt).Err() == nil
}

// Close close the Redis client
func (c *RedisClient) Close() {
	if err := c.client.Close(); err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Redis client close failed")
		return
	}
	log.WithFields(c.LogTags).Info("Close Redis client")
}

// GetRedisClient define a new Redis client, and verify the server is reachable
func GetRedisClient(ctxt context.Context, param RedisConnectParams) (*RedisClient, error) {
	logTags := log.Fields{
		"module":    "core",
		"component": "redis-backend",
		"instance":  param.ServerAddr,
	}
	client := redis.NewClient(&redis.Options{
		Addr:        param.ServerAddr,
		Username:    param.Username,
		Password:    param.Password,
		DB:          param.DB,
		DialTimeout: param.DialTimeout,
	})
	useCtxt, cancel := context.WithTimeout(ctxt, param.DialTimeout)
	defer cancel()
	if err := client.Ping(useCtxt).Err(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Redis client connect failed")
		_ = client.Close()
		return nil, err
	}
	log.WithFields(logTags).Info("Created Redis client")
	return &RedisClient{
		Component: common.Component{LogTags: logTags},
		client:    client,
	}, nil
}
