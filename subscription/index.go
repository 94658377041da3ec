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

	"github.com/alwitt/livequery/common"
	"github.com/apex/log"
)

// Stats summary of the index content
type Stats struct {
	// Subscriptions total number of distinct where-clauses
	Subscriptions int `json:"subscriptions"`
	// Attachments total number of (connection, request ID) attached
	Attachments int `json:"attachments"`
	// PerClass number of distinct where-clauses per collection
	PerClass map[string]int `json:"per_class"`
}

// Index collection -> fingerprint -> Subscription.
//
// A Subscription is only present while something is attached to it.
//
// Index is not safe for concurrent use; the owner serializes access.
type Index struct {
	common.Component
	classes map[string]map[string]*Subscription
}

// NewIndex define a new empty Index
func NewIndex(instance string) *Index {
	return &Index{
		Component: common.Component{
			LogTags: log.Fields{
				"module": "subscription", "component": "index", "instance": instance,
			},
		},
		classes: make(map[string]map[string]*Subscription),
	}
}

// Attach attach a (connection, request ID) to the Subscription for a where-clause,
// creating the Subscription if needed. Returns the fingerprint.
func (i *Index) Attach(
	className string, where map[string]interface{}, clientID string, requestID int64,
) (string, error) {
	fingerprint, err := Fingerprint(where)
	if err != nil {
		log.WithError(err).WithFields(i.LogTags).Errorf("Unable to fingerprint query on %s", className)
		return "", err
	}
	bucket, ok := i.classes[className]
	if !ok {
		bucket = make(map[string]*Subscription)
		i.classes[className] = bucket
	}
	sub, ok := bucket[fingerprint]
	if !ok {
		sub = newSubscription(className, where, fingerprint)
		bucket[fingerprint] = sub
		log.WithFields(i.LogTags).Debugf("Created subscription %s", sub)
	}
	sub.addClientSubscription(clientID, requestID)
	return fingerprint, nil
}

// Detach remove a (connection, request ID) from a Subscription. The Subscription, and
// the collection bucket, are removed once empty.
func (i *Index) Detach(className, fingerprint, clientID string, requestID int64) error {
	bucket, ok := i.classes[className]
	if !ok {
		return fmt.Errorf("no subscriptions on %s", className)
	}
	sub, ok := bucket[fingerprint]
	if !ok {
		return fmt.Errorf("no subscription %s/%s", className, fingerprint)
	}
	if !sub.deleteClientSubscription(clientID, requestID) {
		return fmt.Errorf("%s:%d is not attached to %s", clientID, requestID, sub)
	}
	if !sub.HasSubscribingClient() {
		delete(bucket, fingerprint)
		log.WithFields(i.LogTags).Debugf("Removed subscription %s", sub)
	}
	if len(bucket) == 0 {
		delete(i.classes, className)
	}
	return nil
}

// Get fetch one Subscription
func (i *Index) Get(className, fingerprint string) (*Subscription, bool) {
	sub, ok := i.classes[className][fingerprint]
	return sub, ok
}

// ForClass list the Subscriptions of a collection
func (i *Index) ForClass(className string) []*Subscription {
	bucket := i.classes[className]
	result := make([]*Subscription, 0, len(bucket))
	for _, sub := range bucket {
		result = append(result, sub)
	}
	return result
}

// Stats summarize the index content
func (i *Index) Stats() Stats {
	result := Stats{PerClass: make(map[string]int, len(i.classes))}
	for className, bucket := range i.classes {
		result.PerClass[className] = len(bucket)
		result.Subscriptions += len(bucket)
		for _, sub := range bucket {
			result.Attachments += sub.AttachmentCount()
		}
	}
	return result
}
