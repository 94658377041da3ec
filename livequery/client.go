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
	"fmt"
	"reflect"
	"sync"

	"github.com/alwitt/livequery/common"
	"github.com/apex/log"
)

// Connection one client transport connection
type Connection interface {
	// Send push one frame to the client. Sending on a closed connection is a no-op.
	Send(msg []byte) error
}

// SubscriptionInfo per (connection, request ID) subscription data
type SubscriptionInfo struct {
	// ClassName collection of the Subscription
	ClassName string
	// Fingerprint where-clause hash of the Subscription
	Fingerprint string
	// Fields optional projection
	Fields []string
	// SessionToken optional session token override
	SessionToken string
}

// pendingFrame one outbound frame slot. Slots are queued in order, and filled in
// whatever order evaluation completes.
type pendingFrame struct {
	ready chan struct{}
	frame []byte
}

func (p *pendingFrame) fill(frame []byte) {
	p.frame = frame
	close(p.ready)
}

// Client one connected client
type Client struct {
	common.Component
	// ID the connection ID
	ID             string
	conn           Connection
	hasMasterKey   bool
	sessionToken   string
	installationID string
	// subscriptionInfos request ID -> subscription data
	subscriptionInfos map[int64]*SubscriptionInfo
	delivery          common.TaskProcessor
	ctxt              context.Context
	cancel            context.CancelFunc
}

func newClient(
	parentCtxt context.Context,
	wg *sync.WaitGroup,
	id string,
	conn Connection,
	hasMasterKey bool,
	sessionToken, installationID string,
	deliveryBuffer int,
) (*Client, error) {
	logTags := log.Fields{"module": "livequery", "component": "client", "instance": id}
	ctxt, cancel := context.WithCancel(parentCtxt)
	delivery, err := common.GetNewTaskProcessorInstance(
		ctxt, fmt.Sprintf("client-%s", id), deliveryBuffer,
	)
	if err != nil {
		cancel()
		log.WithError(err).WithFields(logTags).Error("Unable to define delivery queue")
		return nil, err
	}
	client := &Client{
		Component:         common.Component{LogTags: logTags},
		ID:                id,
		conn:              conn,
		hasMasterKey:      hasMasterKey,
		sessionToken:      sessionToken,
		installationID:    installationID,
		subscriptionInfos: make(map[int64]*SubscriptionInfo),
		delivery:          delivery,
		ctxt:              ctxt,
		cancel:            cancel,
	}
	if err := delivery.AddToTaskExecutionMap(
		reflect.TypeOf(&pendingFrame{}), client.deliverFrame,
	); err != nil {
		cancel()
		return nil, err
	}
	if err := delivery.StartEventLoop(wg); err != nil {
		cancel()
		log.WithError(err).WithFields(logTags).Error("Unable to start delivery queue")
		return nil, err
	}
	return client, nil
}

// reserveFrame queue an empty frame slot. Never waits on a full queue; that
// returns an error wrapping common.ErrTaskQueueFull.
func (c *Client) reserveFrame() (*pendingFrame, error) {
	slot := &pendingFrame{ready: make(chan struct{})}
	if err := c.delivery.TrySubmit(slot); err != nil {
		return nil, err
	}
	return slot, nil
}

// enqueueFrame queue a frame ready to send
func (c *Client) enqueueFrame(frame interface{}) error {
	raw, err := json.Marshal(frame)
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Unable to serialize frame")
		return err
	}
	slot := &pendingFrame{ready: make(chan struct{}), frame: raw}
	close(slot.ready)
	return c.delivery.TrySubmit(slot)
}

func (c *Client) deliverFrame(param interface{}) error {
	slot, ok := param.(*pendingFrame)
	if !ok {
		return fmt.Errorf("unexpected task param %s", reflect.TypeOf(param))
	}
	select {
	case <-slot.ready:
	case <-c.ctxt.Done():
		return nil
	}
	if slot.frame == nil {
		return nil
	}
	if err := c.conn.Send(slot.frame); err != nil {
		log.WithError(err).WithFields(c.LogTags).Debug("Frame send failed")
	}
	return nil
}

// close stop the delivery queue. Queued frames are discarded.
func (c *Client) close() {
	_ = c.delivery.StopEventLoop()
	c.cancel()
}

// effectiveSessionToken the session token applying to a subscription
func (c *Client) effectiveSessionToken(requestID int64) string {
	if info, ok := c.subscriptionInfos[requestID]; ok && info.SessionToken != "" {
		return info.SessionToken
	}
	return c.sessionToken
}
