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
	"sync"
	"testing"
	"time"

	"github.com/alwitt/livequery/auth"
	"github.com/alwitt/livequery/common"
	"github.com/alwitt/livequery/dataplane"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

// testConnection Connection recording every frame sent
type testConnection struct {
	name   string
	lock   sync.Mutex
	frames []map[string]interface{}
}

func newTestConnection() *testConnection {
	return &testConnection{name: uuid.New().String()}
}

func (c *testConnection) Send(msg []byte) error {
	var frame map[string]interface{}
	if err := json.Unmarshal(msg, &frame); err != nil {
		return err
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	c.frames = append(c.frames, frame)
	return nil
}

func (c *testConnection) received() []map[string]interface{} {
	c.lock.Lock()
	defer c.lock.Unlock()
	return append([]map[string]interface{}{}, c.frames...)
}

// waitForFrames wait until the connection has received count frames, and return them
func (c *testConnection) waitForFrames(t *testing.T, count int) []map[string]interface{} {
	assert.Eventually(t, func() bool {
		return len(c.received()) >= count
	}, time.Second*2, time.Millisecond*5)
	return c.received()
}

// frame wait for the n-th frame (1 based) and return it
func (c *testConnection) frame(t *testing.T, n int) map[string]interface{} {
	frames := c.waitForFrames(t, n)
	if len(frames) < n {
		return map[string]interface{}{}
	}
	return frames[n-1]
}

// testHarness a LiveQueryServer with in-memory collaborators
type testHarness struct {
	t        *testing.T
	ctxt     context.Context
	cancel   context.CancelFunc
	wg       *sync.WaitGroup
	store    *auth.StaticIdentityStore
	resolver auth.Resolver
	uut      *serverImpl
	opEvents []OperationalEvent
	opLock   sync.Mutex
}

type harnessOption func(params *ServerParams, deps *ServerDependencies)

func newTestHarness(t *testing.T, options ...harnessOption) *testHarness {
	log.SetLevel(log.DebugLevel)
	ctxt, cancel := context.WithCancel(context.Background())
	h := &testHarness{
		t:      t,
		ctxt:   ctxt,
		cancel: cancel,
		wg:     &sync.WaitGroup{},
		store:  auth.NewStaticIdentityStore(),
	}
	resolver, err := auth.GetResolver(ctxt, h.wg, h.store, auth.ResolverParams{
		TTL: time.Minute, MaxEntries: 100,
	})
	assert.Nil(t, err)
	h.resolver = resolver

	params := ServerParams{Instance: "ut-" + uuid.New().String(), DeliveryBuffer: 32}
	deps := ServerDependencies{
		Matcher:     DefaultMatcher{},
		Permissions: DefaultPermissionStore{},
		Resolver:    resolver,
		Hooks: Hooks{
			OnOperationalEvent: func(_ context.Context, event OperationalEvent) {
				h.opLock.Lock()
				defer h.opLock.Unlock()
				h.opEvents = append(h.opEvents, event)
			},
		},
	}
	for _, option := range options {
		option(&params, &deps)
	}
	uut, err := GetLiveQueryServer(ctxt, h.wg, params, deps)
	assert.Nil(t, err)
	h.uut = uut.(*serverImpl)
	return h
}

func (h *testHarness) stop() {
	h.cancel()
	h.wg.Wait()
}

func (h *testHarness) send(conn Connection, raw string) {
	h.uut.HandleInboundMessage(h.ctxt, conn, []byte(raw))
}

func (h *testHarness) operationalEvents() []string {
	h.opLock.Lock()
	defer h.opLock.Unlock()
	result := []string{}
	for _, event := range h.opEvents {
		result = append(result, event.Event)
	}
	return result
}

// connect connect a new client and wait for the connected frame
func (h *testHarness) connect(raw string) *testConnection {
	conn := newTestConnection()
	h.send(conn, raw)
	frame := conn.frame(h.t, 1)
	assert.Equal(h.t, "connected", frame["op"])
	return conn
}

// subscribe subscribe and wait for the acknowledgement, which is frame n
func (h *testHarness) subscribe(conn *testConnection, raw string, n int) {
	h.send(conn, raw)
	frame := conn.frame(h.t, n)
	assert.Equal(h.t, "subscribed", frame["op"], raw)
}

func (h *testHarness) save(current, original common.Record, clp map[string]interface{}) {
	h.uut.OnChangeEvent(h.ctxt, dataplane.ChangeEvent{
		Type:                  dataplane.ChangeEventSave,
		ClassName:             current.ClassName(),
		Current:               current,
		Original:              original,
		ClassLevelPermissions: clp,
	})
}

func (h *testHarness) delete(deleted common.Record, clp map[string]interface{}) {
	h.uut.OnChangeEvent(h.ctxt, dataplane.ChangeEvent{
		Type:                  dataplane.ChangeEventDelete,
		ClassName:             deleted.ClassName(),
		Current:               deleted,
		ClassLevelPermissions: clp,
	})
}

// settle wait for in-flight notifications to complete
func (h *testHarness) settle() {
	time.Sleep(time.Millisecond * 50)
}

const (
	assertWait = time.Second * 2
	assertTick = time.Millisecond * 5
)
