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
	"testing"
	"time"

	"github.com/alwitt/livequery/common"
	"github.com/alwitt/livequery/core"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestRedisIdentityStore(t *testing.T) {
	redisAddr := common.GetUnitTestRedisAddr()
	if redisAddr == "" {
		t.Skip("UNITTEST_REDIS_ADDR not set")
	}
	assert := assert.New(t)
	utCtxt := context.Background()

	rc, err := core.GetRedisClient(utCtxt, core.RedisConnectParams{
		ServerAddr: redisAddr, DialTimeout: time.Second * 5,
	})
	assert.Nil(err)
	defer rc.Close()

	uut := NewRedisIdentityStore(rc, uuid.New().String())
	token := uuid.New().String()
	userID := uuid.New().String()

	// Case 0: unknown session
	_, err = uut.ResolveSession(utCtxt, token)
	assert.ErrorIs(err, ErrInvalidSession)

	// Case 1: known session
	assert.Nil(uut.PutSession(utCtxt, token, userID, time.Minute))
	resolved, err := uut.ResolveSession(utCtxt, token)
	assert.Nil(err)
	assert.Equal(userID, resolved)

	// Case 2: roles
	roles, err := uut.ResolveRoles(utCtxt, userID)
	assert.Nil(err)
	assert.Empty(roles)
	assert.Nil(uut.PutRoles(utCtxt, userID, "admin", "staff"))
	roles, err = uut.ResolveRoles(utCtxt, userID)
	assert.Nil(err)
	assert.ElementsMatch([]string{"admin", "staff"}, roles)
	assert.Nil(uut.PutRoles(utCtxt, userID))
	roles, err = uut.ResolveRoles(utCtxt, userID)
	assert.Nil(err)
	assert.Empty(roles)

	// Case 3: deleted session
	assert.Nil(uut.DeleteSession(utCtxt, token))
	_, err = uut.ResolveSession(utCtxt, token)
	assert.ErrorIs(err, ErrInvalidSession)
}
