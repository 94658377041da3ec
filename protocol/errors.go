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
	"errors"
	"fmt"
)

// ErrorKind classification of a failure reported to a client
type ErrorKind string

// Supported error kinds
const (
	KindProtocol       ErrorKind = "protocol"
	KindAuthentication ErrorKind = "authentication"
	KindNotFound       ErrorKind = "not-found"
	KindSession        ErrorKind = "session"
	KindInterception   ErrorKind = "interception"
	KindInternal       ErrorKind = "internal"
)

// Error codes carried by error frames
const (
	CodeBadMessage          = 1
	CodeNotFound            = 2
	CodeUnknownOperation    = 3
	CodeInvalidKey          = 4
	CodeInterceptionFailed  = 141
	CodeInvalidSessionToken = 209
)

// LiveQueryError an error which is reported to a client as an error frame
type LiveQueryError struct {
	// Kind the error classification
	Kind ErrorKind
	// Code the numeric error code sent to the client
	Code int
	// Message the human readable error text sent to the client
	Message string
	// Reconnect whether retrying is sensible for the client
	Reconnect bool
	// Err the underlying cause, if any
	Err error
}

// Error implement error
func (e *LiveQueryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s error %d: %s: %s", e.Kind, e.Code, e.Message, e.Err.Error())
	}
	return fmt.Sprintf("%s error %d: %s", e.Kind, e.Code, e.Message)
}

// Unwrap return the underlying cause
func (e *LiveQueryError) Unwrap() error {
	return e.Err
}

// NewProtocolError a malformed message
func NewProtocolError(msg string, cause error) *LiveQueryError {
	return &LiveQueryError{
		Kind: KindProtocol, Code: CodeBadMessage, Message: msg, Reconnect: true, Err: cause,
	}
}

// NewUnknownOperationError a message with an unsupported op
func NewUnknownOperationError() *LiveQueryError {
	return &LiveQueryError{
		Kind:      KindProtocol,
		Code:      CodeUnknownOperation,
		Message:   "Get unknown operation",
		Reconnect: true,
	}
}

// NewAuthenticationError a connect request with credentials which did not match
func NewAuthenticationError() *LiveQueryError {
	return &LiveQueryError{
		Kind:      KindAuthentication,
		Code:      CodeInvalidKey,
		Message:   "Key in request is not valid",
		Reconnect: true,
	}
}

// NewNotFoundError an operation on an unknown connection or request ID
func NewNotFoundError(msg string) *LiveQueryError {
	return &LiveQueryError{
		Kind: KindNotFound, Code: CodeNotFound, Message: msg, Reconnect: true,
	}
}

// NewSessionError an invalid or missing session where one is required
func NewSessionError(msg string, cause error) *LiveQueryError {
	return &LiveQueryError{
		Kind: KindSession, Code: CodeInvalidSessionToken, Message: msg, Err: cause,
	}
}

// NewInterceptionError an interception hook failed.
//
// A hook may choose the code and text reported by returning a *LiveQueryError.
func NewInterceptionError(cause error) *LiveQueryError {
	result := &LiveQueryError{
		Kind: KindInterception, Code: CodeInterceptionFailed, Err: cause,
	}
	var hookErr *LiveQueryError
	if errors.As(cause, &hookErr) {
		result.Code = hookErr.Code
		result.Message = hookErr.Message
	} else if cause != nil {
		result.Message = cause.Error()
	}
	return result
}

// NewSlowClientError the client fell behind on its deliveries and was dropped
func NewSlowClientError() *LiveQueryError {
	return &LiveQueryError{
		Kind:      KindInternal,
		Code:      CodeBadMessage,
		Message:   "Client is too slow, delivery queue is full",
		Reconnect: true,
	}
}

// NewInternalError any other failure
func NewInternalError(cause error) *LiveQueryError {
	msg := "internal error"
	if cause != nil {
		msg = cause.Error()
	}
	return &LiveQueryError{
		Kind: KindInternal, Code: CodeBadMessage, Message: msg, Err: cause,
	}
}

// AsLiveQueryError map any error onto the taxonomy. Errors which are not (and do
// not wrap) a *LiveQueryError are internal errors.
func AsLiveQueryError(err error) *LiveQueryError {
	if err == nil {
		return nil
	}
	var lqErr *LiveQueryError
	if errors.As(err, &lqErr) {
		return lqErr
	}
	return NewInternalError(err)
}
