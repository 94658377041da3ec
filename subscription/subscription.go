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

package subscription

import (
	"fmt"
	"sort"

	"github.com/alwitt/livequery/common"
)

// Attachment one (connection, request ID) watching a Subscription
type Attachment struct {
	ClientID  string
	RequestID int64
}

// Subscription a where-clause on a collection, and every connection watching it
type Subscription struct {
	// ClassName the collection
	ClassName string
	// Where the where-clause. Not modified after the Subscription is created.
	Where map[string]interface{}
	// Fingerprint the where-clause hash
	Fingerprint string
	// clients connection ID -> request IDs
	clients map[string]map[int64]bool
}

func newSubscription(className string, where map[string]interface{}, fingerprint string) *Subscription {
	return &Subscription{
		ClassName:   className,
		Where:       map[string]interface{}(common.Record(where).Copy()),
		Fingerprint: fingerprint,
		clients:     make(map[string]map[int64]bool),
	}
}

// String toString function
func (s *Subscription) String() string {
	return fmt.Sprintf("%s/%s", s.ClassName, s.Fingerprint)
}

func (s *Subscription) addClientSubscription(clientID string, requestID int64) {
	if _, ok := s.clients[clientID]; !ok {
		s.clients[clientID] = make(map[int64]bool)
	}
	s.clients[clientID][requestID] = true
}

func (s *Subscription) deleteClientSubscription(clientID string, requestID int64) bool {
	requests, ok := s.clients[clientID]
	if !ok || !requests[requestID] {
		return false
	}
	delete(requests, requestID)
	if len(requests) == 0 {
		delete(s.clients, clientID)
	}
	return true
}

// HasSubscribingClient whether anything is still attached
func (s *Subscription) HasSubscribingClient() bool {
	return len(s.clients) > 0
}

// Attachments list everything attached, ordered by connection then request ID
func (s *Subscription) Attachments() []Attachment {
	result := make([]Attachment, 0, len(s.clients))
	for clientID, requests := range s.clients {
		for requestID := range requests {
			result = append(result, Attachment{ClientID: clientID, RequestID: requestID})
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].ClientID != result[j].ClientID {
			return result[i].ClientID < result[j].ClientID
		}
		return result[i].RequestID < result[j].RequestID
	})
	return result
}

// AttachmentCount number of (connection, request ID) attached
func (s *Subscription) AttachmentCount() int {
	count := 0
	for _, requests := range s.clients {
		count += len(requests)
	}
	return count
}
