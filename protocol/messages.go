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

package protocol

import "github.com/alwitt/livequery/common"

// Inbound operations
const (
	OpConnect     = "connect"
	OpSubscribe   = "subscribe"
	OpUpdate      = "update"
	OpUnsubscribe = "unsubscribe"
)

// Outbound operations
const (
	OpConnected    = "connected"
	OpSubscribed   = "subscribed"
	OpUnsubscribed = "unsubscribed"
	OpCreated      = "created"
	OpEntered      = "entered"
	OpUpdated      = "updated"
	OpLeft         = "left"
	OpDeleted      = "deleted"
	OpError        = "error"
)

// Request a decoded inbound message
type Request interface {
	// Operation the op of the message
	Operation() string
}

// Credentials the shared secrets a client may present when connecting
type Credentials struct {
	ApplicationID string `json:"applicationId,omitempty"`
	JavascriptKey string `json:"javascriptKey,omitempty"`
	MasterKey     string `json:"masterKey,omitempty"`
	ClientKey     string `json:"clientKey,omitempty"`
	WindowsKey    string `json:"windowsKey,omitempty"`
	RestAPIKey    string `json:"restAPIKey,omitempty"`
}

// KeyPairs the supplied credentials by name. Absent credentials are not included.
func (c Credentials) KeyPairs() map[string]string {
	result := map[string]string{}
	add := func(name, value string) {
		if value != "" {
			result[name] = value
		}
	}
	add("applicationId", c.ApplicationID)
	add("javascriptKey", c.JavascriptKey)
	add("masterKey", c.MasterKey)
	add("clientKey", c.ClientKey)
	add("windowsKey", c.WindowsKey)
	add("restAPIKey", c.RestAPIKey)
	return result
}

// ConnectRequest the connect message
type ConnectRequest struct {
	Op string `json:"op" validate:"required,eq=connect"`
	Credentials
	SessionToken   string `json:"sessionToken,omitempty"`
	InstallationID string `json:"installationId,omitempty"`
}

// Operation the op of the message
func (r *ConnectRequest) Operation() string { return OpConnect }

// Query what a subscription watches
type Query struct {
	// ClassName the collection
	ClassName string `json:"className" validate:"required"`
	// Where the where-clause
	Where map[string]interface{} `json:"where" validate:"required"`
	// Fields optional projection
	Fields []string `json:"fields,omitempty" validate:"omitempty,min=1,unique"`
}

// SubscribeRequest the subscribe and update messages
type SubscribeRequest struct {
	Op           string `json:"op" validate:"required,oneof=subscribe update"`
	RequestID    *int64 `json:"requestId" validate:"required"`
	Query        *Query `json:"query" validate:"required"`
	SessionToken string `json:"sessionToken,omitempty"`
}

// Operation the op of the message
func (r *SubscribeRequest) Operation() string { return r.Op }

// UnsubscribeRequest the unsubscribe message
type UnsubscribeRequest struct {
	Op        string `json:"op" validate:"required,eq=unsubscribe"`
	RequestID *int64 `json:"requestId" validate:"required"`
}

// Operation the op of the message
func (r *UnsubscribeRequest) Operation() string { return OpUnsubscribe }

// Response data and acknowledgement frame
type Response struct {
	Op             string        `json:"op"`
	ClientID       string        `json:"clientId"`
	InstallationID string        `json:"installationId,omitempty"`
	RequestID      *int64        `json:"requestId,omitempty"`
	Object         common.Record `json:"object,omitempty"`
	Original       common.Record `json:"original,omitempty"`
}

// ErrorResponse error frame
type ErrorResponse struct {
	Op        string `json:"op"`
	Code      int    `json:"code"`
	Error     string `json:"error"`
	Reconnect bool   `json:"reconnect"`
	RequestID *int64 `json:"requestId,omitempty"`
}

// NewErrorResponse build the error frame for an error
func NewErrorResponse(err error, requestID *int64) ErrorResponse {
	lqErr := AsLiveQueryError(err)
	return ErrorResponse{
		Op:        OpError,
		Code:      lqErr.Code,
		Error:     lqErr.Message,
		Reconnect: lqErr.Reconnect,
		RequestID: requestID,
	}
}
