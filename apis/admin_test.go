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

package apis

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/livequery/auth"
	"github.com/alwitt/livequery/common"
	"github.com/alwitt/livequery/livequery"
	"github.com/apex/log"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
)

type recordingConnection struct {
	lock   sync.Mutex
	frames [][]byte
}

func (c *recordingConnection) Send(msg []byte) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.frames = append(c.frames, msg)
	return nil
}

func (c *recordingConnection) count() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return len(c.frames)
}

type staticReadiness struct {
	ready bool
}

func (r *staticReadiness) Ready(_ context.Context) bool {
	return r.ready
}

func TestAdminAPI(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCancel := context.WithCancel(context.Background())
	defer utCancel()

	resolver, err := auth.GetResolver(utCtxt, &wg, auth.NewStaticIdentityStore(), auth.ResolverParams{
		TTL: time.Minute, MaxEntries: 10,
	})
	assert.Nil(err)
	server, err := livequery.GetLiveQueryServer(utCtxt, &wg, livequery.ServerParams{
		Instance: "ut-admin", DeliveryBuffer: 8,
	}, livequery.ServerDependencies{
		Matcher:     livequery.DefaultMatcher{},
		Permissions: livequery.DefaultPermissionStore{},
		Resolver:    resolver,
	})
	assert.Nil(err)

	readiness := &staticReadiness{}
	uut, err := GetAPIRestAdminHandler(server, readiness, &common.HTTPConfig{
		Logging: common.HTTPRequestLogging{RequestIDHeader: "Livequery-Request-ID"},
	})
	assert.Nil(err)

	router := mux.NewRouter()
	adminRouter := RegisterPathPrefix(router, "/v1/admin", nil)
	_ = RegisterPathPrefix(adminRouter, "/alive", MethodHandlers{"get": uut.AliveHandler()})
	_ = RegisterPathPrefix(adminRouter, "/ready", MethodHandlers{"get": uut.ReadyHandler()})
	_ = RegisterPathPrefix(adminRouter, "/stats", MethodHandlers{"get": uut.GetStatsHandler()})

	call := func(path string) *httptest.ResponseRecorder {
		req, err := http.NewRequest("GET", path, nil)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		router.ServeHTTP(respRecorder, req)
		return respRecorder
	}

	// Case 0: alive
	assert.Equal(http.StatusOK, call("/v1/admin/alive").Code)

	// Case 1: readiness follows the backbone
	assert.Equal(http.StatusInternalServerError, call("/v1/admin/ready").Code)
	readiness.ready = true
	assert.Equal(http.StatusOK, call("/v1/admin/ready").Code)

	// Case 2: stats
	conn := &recordingConnection{}
	server.HandleInboundMessage(utCtxt, conn, []byte(`{"op":"connect"}`))
	server.HandleInboundMessage(
		utCtxt, conn, []byte(`{"op":"subscribe","requestId":1,"query":{"className":"A","where":{}}}`),
	)
	assert.Eventually(func() bool { return conn.count() == 2 }, time.Second, time.Millisecond*5)
	{
		resp := call("/v1/admin/stats")
		assert.Equal(http.StatusOK, resp.Code)
		var msg struct {
			Success bool            `json:"success"`
			Stats   livequery.Stats `json:"stats"`
		}
		assert.Nil(json.Unmarshal(resp.Body.Bytes(), &msg))
		assert.True(msg.Success)
		assert.Equal(1, msg.Stats.Clients)
		assert.Equal(1, msg.Stats.Subscriptions)
		assert.Equal(map[string]int{"A": 1}, msg.Stats.PerClass)
	}

	// Case 3: unknown method
	{
		req, err := http.NewRequest("POST", "/v1/admin/stats", nil)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		router.ServeHTTP(respRecorder, req)
		assert.NotEqual(http.StatusOK, respRecorder.Code)
	}

	server.HandleDisconnect(utCtxt, conn)
}
