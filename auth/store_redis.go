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

package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alwitt/livequery/common"
	"github.com/alwitt/livequery/core"
	"github.com/apex/log"
	"github.com/redis/go-redis/v9"
)

// RedisIdentityStore IdentityStore reading sessions and roles from Redis.
//
// A session is a hash at "<prefix>:session:<token>" with a "userId" field; the key
// TTL is the session lifetime. The roles of a user are a set at
// "<prefix>:roles:<userId>".
type RedisIdentityStore struct {
	common.Component
	redis     *core.RedisClient
	keyPrefix string
}

// NewRedisIdentityStore define a new RedisIdentityStore
func NewRedisIdentityStore(redisClient *core.RedisClient, keyPrefix string) *RedisIdentityStore {
	return &RedisIdentityStore{
		Component: common.Component{
			LogTags: log.Fields{
				"module": "auth", "component": "redis-identity-store", "instance": keyPrefix,
			},
		},
		redis:     redisClient,
		keyPrefix: keyPrefix,
	}
}

func (s *RedisIdentityStore) sessionKey(sessionToken string) string {
	return fmt.Sprintf("%s:session:%s", s.keyPrefix, sessionToken)
}

func (s *RedisIdentityStore) rolesKey(userID string) string {
	return fmt.Sprintf("%s:roles:%s", s.keyPrefix, userID)
}

// ResolveSession map a session token to a user ID
func (s *RedisIdentityStore) ResolveSession(ctxt context.Context, sessionToken string) (string, error) {
	userID, err := s.redis.Client().HGet(ctxt, s.sessionKey(sessionToken), "userId").Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("session not found: %w", ErrInvalidSession)
	}
	if err != nil {
		log.WithError(err).WithFields(s.GetLogTagsForContext(ctxt)).Error("Session read failed")
		return "", err
	}
	return userID, nil
}

// ResolveRoles list the role names of a user
func (s *RedisIdentityStore) ResolveRoles(ctxt context.Context, userID string) ([]string, error) {
	roles, err := s.redis.Client().SMembers(ctxt, s.rolesKey(userID)).Result()
	if err != nil {
		log.WithError(err).WithFields(s.GetLogTagsForContext(ctxt)).Errorf("Role read for %s failed", userID)
		return nil, err
	}
	return roles, nil
}

// PutSession record a session. A zero lifetime means the session does not expire.
func (s *RedisIdentityStore) PutSession(
	ctxt context.Context, sessionToken, userID string, lifetime time.Duration,
) error {
	key := s.sessionKey(sessionToken)
	_, err := s.redis.Client().TxPipelined(ctxt, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctxt, key, "userId", userID)
		if lifetime > 0 {
			pipe.Expire(ctxt, key, lifetime)
		}
		return nil
	})
	if err != nil {
		log.WithError(err).WithFields(s.GetLogTagsForContext(ctxt)).Error("Session write failed")
	}
	return err
}

// DeleteSession remove a session
func (s *RedisIdentityStore) DeleteSession(ctxt context.Context, sessionToken string) error {
	return s.redis.Client().Del(ctxt, s.sessionKey(sessionToken)).Err()
}

// PutRoles replace the role names of a user
func (s *RedisIdentityStore) PutRoles(ctxt context.Context, userID string, roles ...string) error {
	key := s.rolesKey(userID)
	_, err := s.redis.Client().TxPipelined(ctxt, func(pipe redis.Pipeliner) error {
		pipe.Del(ctxt, key)
		if len(roles) > 0 {
			members := make([]interface{}, len(roles))
			for i, role := range roles {
				members[i] = role
			}
			pipe.SAdd(ctxt, key, members...)
		}
		return nil
	})
	if err != nil {
		log.WithError(err).WithFields(s.GetLogTagsForContext(ctxt)).Errorf("Role write for %s failed", userID)
	}
	return err
}
