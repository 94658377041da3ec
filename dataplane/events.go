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
	"encoding/json"
	"fmt"

	"github.com/alwitt/livequery/common"
	"github.com/go-playground/validator/v10"
)

// Change event channel kinds. The full channel name is the application ID followed
// by the kind.
const (
	ChannelAfterSave   = "afterSave"
	ChannelAfterDelete = "afterDelete"
	ChannelClearCache  = "clearCache"
)

// ChannelName build the channel name for an application
func ChannelName(appID, kind string) string {
	return appID + kind
}

// ChangeEventType kind of record mutation
type ChangeEventType string

// Supported mutation kinds
const (
	ChangeEventSave   ChangeEventType = "save"
	ChangeEventDelete ChangeEventType = "delete"
)

// ChangeEvent one record mutation, as seen by the live query servers
type ChangeEvent struct {
	// Type save or delete
	Type ChangeEventType
	// ClassName the collection of the mutated record
	ClassName string
	// Current the record after the mutation. For deletes, the deleted record.
	Current common.Record
	// Original the record before the mutation. Nil for new records and deletes.
	Original common.Record
	// ClassLevelPermissions the permission snapshot active at mutation time
	ClassLevelPermissions map[string]interface{}
}

// String toString function
func (e ChangeEvent) String() string {
	return fmt.Sprintf("%s[%s/%s]", e.Type, e.ClassName, e.Current.ObjectID())
}

// ChangeEventMessage wire form of a change event on the afterSave and afterDelete
// channels
type ChangeEventMessage struct {
	CurrentRecord         common.Record          `json:"currentRecord" validate:"required"`
	OriginalRecord        common.Record          `json:"originalRecord,omitempty"`
	ClassLevelPermissions map[string]interface{} `json:"classLevelPermissions,omitempty"`
}

// ClearCacheMessage wire form of a request to drop cached auth state of a user
type ClearCacheMessage struct {
	UserID string `json:"userId" validate:"required"`
}

// parseChangeEvent decode a change event message
func parseChangeEvent(
	validate *validator.Validate, eventType ChangeEventType, raw []byte,
) (ChangeEvent, error) {
	var msg ChangeEventMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return ChangeEvent{}, err
	}
	if err := validate.Struct(&msg); err != nil {
		return ChangeEvent{}, err
	}
	className := msg.CurrentRecord.ClassName()
	if className == "" {
		return ChangeEvent{}, fmt.Errorf("change event record has no %s", common.FieldClassName)
	}
	event := ChangeEvent{
		Type:                  eventType,
		ClassName:             className,
		Current:               msg.CurrentRecord,
		ClassLevelPermissions: msg.ClassLevelPermissions,
	}
	if eventType == ChangeEventSave {
		event.Original = msg.OriginalRecord
	}
	return event, nil
}

// parseClearCache decode a clear cache message
func parseClearCache(validate *validator.Validate, raw []byte) (ClearCacheMessage, error) {
	var msg ClearCacheMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return ClearCacheMessage{}, err
	}
	if err := validate.Struct(&msg); err != nil {
		return ClearCacheMessage{}, err
	}
	return msg, nil
}
