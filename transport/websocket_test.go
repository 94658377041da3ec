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

package transport

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/livequery/auth"
	"github.com/alwitt/livequery/common"
	"github.com/alwitt/livequery/dataplane"
	"github.com/alwitt/livequery/livequery"
	"github.com/apex/log"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
)

type wsTestEnv struct {
	server  livequery.LiveQueryServer
	httpSrv *httptest.Server
	url     string
}

func defineWSTestEnv(
	t *testing.T, ctxt context.Context, wg *sync.WaitGroup, params WebSocketParams,
) wsTestEnv {
	resolver, err := auth.GetResolver(ctxt, wg, auth.NewStaticIdentityStore(), auth.ResolverParams{
		TTL: time.Minute, MaxEntries: 10,
	})
	assert.Nil(t, err)
	server, err := livequery.GetLiveQueryServer(ctxt, wg, livequery.ServerParams{
		Instance: "ut-transport", DeliveryBuffer: 16,
	}, livequery.ServerDependencies{
		Matcher:     livequery.DefaultMatcher{},
		Permissions: livequery.DefaultPermissionStore{},
		Resolver:    resolver,
	})
	assert.Nil(t, err)

	handler, err := GetWebSocketHandler(ctxt, wg, "ut-transport", server, params)
	assert.Nil(t, err)
	router := mux.NewRouter()
	router.Handle("/v1/livequery", handler)
	httpSrv := httptest.NewServer(router)
	return wsTestEnv{
		server:  server,
		httpSrv: httpSrv,
		url:     "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/v1/livequery",
	}
}

func readFrame(t *testing.T, socket *websocket.Conn) map[string]interface{} {
	assert.Nil(t, socket.SetReadDeadline(time.Now().Add(time.Second*2)))
	_, msg, err := socket.ReadMessage()
	assert.Nil(t, err)
	frame := map[string]interface{}{}
	assert.Nil(t, json.Unmarshal(msg, &frame))
	return frame
}

func TestWebSocketSession(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCancel := context.WithCancel(context.Background())
	defer utCancel()

	env := defineWSTestEnv(t, utCtxt, &wg, WebSocketParams{
		PingInterval:   time.Second,
		WriteTimeout:   time.Second,
		MaxMessageSize: 4096,
		SendBuffer:     16,
	})
	defer env.httpSrv.Close()

	socket, _, err := websocket.DefaultDialer.Dial(env.url, nil)
	assert.Nil(err)

	// Case 0: connect and subscribe
	assert.Nil(socket.WriteMessage(websocket.TextMessage, []byte(`{"op":"connect"}`)))
	frame := readFrame(t, socket)
	assert.Equal("connected", frame["op"])
	assert.Nil(socket.WriteMessage(
		websocket.TextMessage,
		[]byte(`{"op":"subscribe","requestId":1,"query":{"className":"Note","where":{}}}`),
	))
	frame = readFrame(t, socket)
	assert.Equal("subscribed", frame["op"])

	// Case 1: change event reaches the socket
	env.server.OnChangeEvent(utCtxt, dataplane.ChangeEvent{
		Type:      dataplane.ChangeEventSave,
		ClassName: "Note",
		Current:   common.Record{"className": "Note", "objectId": "n1", "text": "hi"},
	})
	frame = readFrame(t, socket)
	assert.Equal("created", frame["op"])
	assert.Equal("hi", frame["object"].(map[string]interface{})["text"])

	// Case 2: closing the socket removes the client
	assert.Nil(socket.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
	))
	assert.Nil(socket.Close())
	assert.Eventually(func() bool {
		return env.server.Stats().Clients == 0
	}, time.Second*2, time.Millisecond*10)
	assert.Equal(0, env.server.Stats().Subscriptions)
}

func TestWebSocketMessageLimit(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCancel := context.WithCancel(context.Background())
	defer utCancel()

	env := defineWSTestEnv(t, utCtxt, &wg, WebSocketParams{
		PingInterval:   time.Second,
		WriteTimeout:   time.Second,
		MaxMessageSize: 128,
		SendBuffer:     4,
	})
	defer env.httpSrv.Close()

	socket, _, err := websocket.DefaultDialer.Dial(env.url, nil)
	assert.Nil(err)
	defer socket.Close()

	assert.Nil(socket.WriteMessage(websocket.TextMessage, []byte(`{"op":"connect"}`)))
	assert.Equal("connected", readFrame(t, socket)["op"])
	assert.Equal(1, env.server.Stats().Clients)

	// Case 0: an oversized message closes the connection
	oversized := `{"op":"subscribe","requestId":1,"query":{"className":"` +
		strings.Repeat("x", 256) + `","where":{}}}`
	assert.Nil(socket.WriteMessage(websocket.TextMessage, []byte(oversized)))
	assert.Nil(socket.SetReadDeadline(time.Now().Add(time.Second * 2)))
	_, _, err = socket.ReadMessage()
	assert.NotNil(err)
	assert.Eventually(func() bool {
		return env.server.Stats().Clients == 0
	}, time.Second*2, time.Millisecond*10)
}

func TestWSConnectionSend(t *testing.T) {
	assert := assert.New(t)

	uut := newWSConnection(log.Fields{}, nil, WebSocketParams{
		PingInterval: time.Second, WriteTimeout: time.Second, MaxMessageSize: 1, SendBuffer: 2,
	})

	// Case 0: queue until full
	assert.Nil(uut.Send([]byte("1")))
	assert.Nil(uut.Send([]byte("2")))
	assert.NotNil(uut.Send([]byte("3")))

	// Case 1: full queue closed the connection; sends are now dropped
	assert.True(uut.closed)
	assert.Nil(uut.Send([]byte("4")))
	assert.Len(uut.send, 2)
	uut.close()
}

func TestWebSocketParamsValidation(t *testing.T) {
	assert := assert.New(t)
	_, err := GetWebSocketHandler(
		context.Background(), &sync.WaitGroup{}, "ut", nil, WebSocketParams{},
	)
	assert.NotNil(err)
}
