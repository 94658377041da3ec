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

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Decoder parses and validates inbound messages
type Decoder struct {
	validate *validator.Validate
}

// NewDecoder define a new Decoder
func NewDecoder() *Decoder {
	return &Decoder{validate: validator.New()}
}

// Decode parse one inbound message.
//
// The request ID is returned whenever it can be read from the message, even when
// the message is otherwise rejected. Errors are always *LiveQueryError.
func (d *Decoder) Decode(raw []byte) (Request, *int64, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, nil, NewProtocolError("message is not a JSON object", err)
	}
	if envelope == nil {
		return nil, nil, NewProtocolError("message is not a JSON object", nil)
	}

	var requestID *int64
	if rawID, ok := envelope["requestId"]; ok {
		var id int64
		if err := json.Unmarshal(rawID, &id); err == nil {
			requestID = &id
		}
	}

	rawOp, ok := envelope["op"]
	if !ok {
		return nil, requestID, NewProtocolError("op is required", nil)
	}
	var op string
	if err := json.Unmarshal(rawOp, &op); err != nil {
		return nil, requestID, NewProtocolError("op must be a string", err)
	}

	var request Request
	switch op {
	case OpConnect:
		request = &ConnectRequest{}
	case OpSubscribe, OpUpdate:
		request = &SubscribeRequest{}
	case OpUnsubscribe:
		request = &UnsubscribeRequest{}
	default:
		return nil, requestID, NewUnknownOperationError()
	}

	if err := strictUnmarshal(raw, request); err != nil {
		return nil, requestID, NewProtocolError(fmt.Sprintf("invalid %s message", op), err)
	}
	if err := d.validate.Struct(request); err != nil {
		return nil, requestID, NewProtocolError(fmt.Sprintf("invalid %s message", op), err)
	}
	return request, requestID, nil
}

// strictUnmarshal decode JSON refusing unknown fields
func strictUnmarshal(raw []byte, target interface{}) error {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}
