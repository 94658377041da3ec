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
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/livequery/common"
	"github.com/alwitt/livequery/livequery"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// WebSocketParams websocket transport parameters
type WebSocketParams struct {
	// PingInterval interval between keep-alive pings. A connection which has not
	// answered within two intervals is dropped.
	PingInterval time.Duration `validate:"gt=0"`
	// WriteTimeout max duration for writing one frame
	WriteTimeout time.Duration `validate:"gt=0"`
	// MaxMessageSize max size of one inbound message in bytes
	MaxMessageSize int64 `validate:"gte=1"`
	// SendBuffer number of outbound frames which can be queued per connection
	SendBuffer int `validate:"gte=1"`
}

// webSocketHandler upgrades HTTP requests and bridges the websocket connections into
// the live query engine
type webSocketHandler struct {
	common.Component
	server   livequery.LiveQueryServer
	params   WebSocketParams
	upgrader websocket.Upgrader
	ctxt     context.Context
	wg       *sync.WaitGroup
}

// GetWebSocketHandler define a HTTP handler serving live query clients over websocket
func GetWebSocketHandler(
	ctxt context.Context,
	wg *sync.WaitGroup,
	instance string,
	server livequery.LiveQueryServer,
	params WebSocketParams,
) (http.Handler, error) {
	logTags := log.Fields{
		"module": "transport", "component": "websocket", "instance": instance,
	}
	if err := validator.New().Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid websocket parameters")
		return nil, err
	}
	return &webSocketHandler{
		Component: common.Component{LogTags: logTags},
		server:    server,
		params:    params,
		upgrader: websocket.Upgrader{
			// Clients are web and mobile apps on arbitrary origins; access is gated by
			// the application keys on connect.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		ctxt: ctxt,
		wg:   wg,
	}, nil
}

// ServeHTTP upgrade the request, then read client messages until the socket closes
func (h *webSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	socket, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).WithFields(h.LogTags).Errorf(
			"Websocket upgrade failed for %s", r.RemoteAddr,
		)
		return
	}

	conn := newWSConnection(h.LogTags, socket, h.params)
	ctxt := common.WithRequestID(h.ctxt, conn.id)
	logTags := h.GetLogTagsForContext(ctxt)
	log.WithFields(logTags).Debugf("Websocket connection from %s", r.RemoteAddr)

	readDeadline := h.params.PingInterval * 2
	socket.SetReadLimit(h.params.MaxMessageSize)
	_ = socket.SetReadDeadline(time.Now().Add(readDeadline))
	socket.SetPongHandler(func(string) error {
		return socket.SetReadDeadline(time.Now().Add(readDeadline))
	})

	pinger, err := common.GetIntervalTimerInstance(ctxt, h.wg, fmt.Sprintf("ping-%s", conn.id))
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define ping timer")
		_ = socket.Close()
		return
	}
	if err := pinger.Start(h.params.PingInterval, func() error {
		return socket.WriteControl(
			websocket.PingMessage, nil, time.Now().Add(h.params.WriteTimeout),
		)
	}, false); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start ping timer")
		_ = socket.Close()
		return
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		conn.writeLoop(ctxt)
	}()

	defer func() {
		_ = pinger.Stop()
		conn.close()
		h.server.HandleDisconnect(ctxt, conn)
		log.WithFields(logTags).Debug("Websocket connection closed")
	}()

	for {
		msgType, msg, err := socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err, websocket.CloseNormalClosure, websocket.CloseGoingAway,
			) {
				log.WithError(err).WithFields(logTags).Info("Websocket read failed")
			}
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		h.server.HandleInboundMessage(ctxt, conn, msg)
	}
}

// ========================================================================================

// wsConnection livequery.Connection over one websocket
type wsConnection struct {
	common.Component
	id           string
	socket       *websocket.Conn
	send         chan []byte
	writeTimeout time.Duration
	lock         sync.Mutex
	closed       bool
	done         chan struct{}
}

func newWSConnection(
	parentTags log.Fields, socket *websocket.Conn, params WebSocketParams,
) *wsConnection {
	id := uuid.New().String()
	logTags := log.Fields{}
	for k, v := range parentTags {
		logTags[k] = v
	}
	logTags["connection"] = id
	return &wsConnection{
		Component:    common.Component{LogTags: logTags},
		id:           id,
		socket:       socket,
		send:         make(chan []byte, params.SendBuffer),
		writeTimeout: params.WriteTimeout,
		done:         make(chan struct{}),
	}
}

// Send queue a frame for writing. A full queue closes the connection; a closed
// connection drops the frame.
func (c *wsConnection) Send(msg []byte) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.closed {
		return nil
	}
	select {
	case c.send <- msg:
		return nil
	default:
		c.closeLocked()
		return fmt.Errorf("send queue full on connection %s", c.id)
	}
}

func (c *wsConnection) close() {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.closeLocked()
}

func (c *wsConnection) closeLocked() {
	if !c.closed {
		c.closed = true
		close(c.done)
	}
}

// writeLoop write queued frames until the connection or the server stops. The
// socket is closed on exit, which also ends the read loop.
func (c *wsConnection) writeLoop(ctxt context.Context) {
	defer func() {
		if err := c.socket.Close(); err != nil {
			log.WithError(err).WithFields(c.LogTags).Debug("Socket close failed")
		}
	}()
	closeCode := websocket.CloseNormalClosure
	for {
		select {
		case <-ctxt.Done():
			closeCode = websocket.CloseGoingAway
		case <-c.done:
		case msg := <-c.send:
			_ = c.socket.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.socket.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.WithError(err).WithFields(c.LogTags).Info("Websocket write failed")
				c.close()
				return
			}
			continue
		}
		_ = c.socket.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(closeCode, ""),
			time.Now().Add(c.writeTimeout),
		)
		return
	}
}
