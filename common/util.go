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

package common

import (
	"context"
	"os"

	"github.com/apex/log"
)

// Component base structure for a Component
type Component struct {
	LogTags log.Fields
}

// requestIDKey context key for the request ID associated with an operation
type requestIDKey struct{}

// WithRequestID attach a request ID to the context for log tagging
func WithRequestID(ctxt context.Context, requestID string) context.Context {
	return context.WithValue(ctxt, requestIDKey{}, requestID)
}

// GetLogTagsForContext return a copy of the component log tags with the values
// carried by the context (if any) added.
func (c Component) GetLogTagsForContext(ctxt context.Context) log.Fields {
	result := log.Fields{}
	for k, v := range c.LogTags {
		result[k] = v
	}
	if ctxt == nil {
		return result
	}
	if reqID, ok := ctxt.Value(requestIDKey{}).(string); ok {
		result["request_id"] = reqID
	}
	return result
}

// GetUnitTestNatsURI return the NATS server URI for integration tests.
//
// An empty string means the tests depending on NATS should be skipped.
func GetUnitTestNatsURI() string {
	return os.Getenv("UNITTEST_NATS_URI")
}

// GetUnitTestRedisAddr return the Redis server address for integration tests.
//
// An empty string means the tests depending on Redis should be skipped.
func GetUnitTestRedisAddr() string {
	return os.Getenv("UNITTEST_REDIS_ADDR")
}
