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

package dataplane

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alwitt/livequery/common"
	"github.com/apex/log"
)

// ChangeEventPublisher used by the mutation path to announce record changes to the
// live query servers
type ChangeEventPublisher interface {
	// PublishSave announce a record create or update. original is nil for a new record.
	PublishSave(
		ctxt context.Context, current, original common.Record, clp map[string]interface{},
	) error
	// PublishDelete announce a record delete
	PublishDelete(ctxt context.Context, deleted common.Record, clp map[string]interface{}) error
	// PublishClearCache ask the live query servers to drop cached auth state of a user
	PublishClearCache(ctxt context.Context, userID string) error
}

// changeEventPublisherImpl implements ChangeEventPublisher
type changeEventPublisherImpl struct {
	common.Component
	appID  string
	pubsub PubSub
}

// GetChangeEventPublisher define a new ChangeEventPublisher
func GetChangeEventPublisher(appID string, pubsub PubSub) (ChangeEventPublisher, error) {
	return &changeEventPublisherImpl{
		Component: common.Component{
			LogTags: log.Fields{
				"module": "dataplane", "component": "change-event-publisher", "instance": appID,
			},
		},
		appID:  appID,
		pubsub: pubsub,
	}, nil
}

// PublishSave announce a record create or update
func (p *changeEventPublisherImpl) PublishSave(
	ctxt context.Context, current, original common.Record, clp map[string]interface{},
) error {
	msg := ChangeEventMessage{
		CurrentRecord: current, OriginalRecord: original, ClassLevelPermissions: clp,
	}
	return p.publishRecord(ctxt, ChannelAfterSave, msg)
}

// PublishDelete announce a record delete
func (p *changeEventPublisherImpl) PublishDelete(
	ctxt context.Context, deleted common.Record, clp map[string]interface{},
) error {
	return p.publishRecord(
		ctxt, ChannelAfterDelete, ChangeEventMessage{CurrentRecord: deleted, ClassLevelPermissions: clp},
	)
}

func (p *changeEventPublisherImpl) publishRecord(
	ctxt context.Context, kind string, msg ChangeEventMessage,
) error {
	logTags := p.GetLogTagsForContext(ctxt)
	if msg.CurrentRecord.ClassName() == "" {
		err := fmt.Errorf("record has no %s", common.FieldClassName)
		log.WithError(err).WithFields(logTags).Errorf("Unable to publish %s", kind)
		return err
	}
	payload, err := json.Marshal(&msg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to serialize %s", kind)
		return err
	}
	return p.pubsub.Publish(ctxt, ChannelName(p.appID, kind), payload)
}

// PublishClearCache ask the live query servers to drop cached auth state of a user
func (p *changeEventPublisherImpl) PublishClearCache(ctxt context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("user ID is required")
	}
	payload, err := json.Marshal(&ClearCacheMessage{UserID: userID})
	if err != nil {
		log.WithError(err).WithFields(p.GetLogTagsForContext(ctxt)).Error("Unable to serialize clear cache")
		return err
	}
	return p.pubsub.Publish(ctxt, ChannelName(p.appID, ChannelClearCache), payload)
}
