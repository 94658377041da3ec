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

// Reserved record field names
const (
	FieldClassName = "className"
	FieldObjectID  = "objectId"
	FieldCreatedAt = "createdAt"
	FieldUpdatedAt = "updatedAt"
	FieldACL       = "ACL"
)

// DefaultRecordFields are always delivered to a client, even when the subscription
// carries a field projection.
var DefaultRecordFields = []string{
	FieldClassName, FieldObjectID, FieldCreatedAt, FieldUpdatedAt, FieldACL,
}

// Record is the JSON object form of one stored record
type Record map[string]interface{}

// ClassName the collection the record belongs to
func (r Record) ClassName() string {
	v, _ := r[FieldClassName].(string)
	return v
}

// ObjectID the record ID
func (r Record) ObjectID() string {
	v, _ := r[FieldObjectID].(string)
	return v
}

// ACL the record access control list. Nil if the record has none.
func (r Record) ACL() map[string]interface{} {
	v, _ := r[FieldACL].(map[string]interface{})
	return v
}

// Copy make a deep copy of the record
func (r Record) Copy() Record {
	if r == nil {
		return nil
	}
	return Record(copyJSONObject(r))
}

func copyJSONObject(src map[string]interface{}) map[string]interface{} {
	result := make(map[string]interface{}, len(src))
	for k, v := range src {
		result[k] = copyJSONValue(v)
	}
	return result
}

func copyJSONValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return copyJSONObject(t)
	case Record:
		return copyJSONObject(t)
	case []interface{}:
		result := make([]interface{}, len(t))
		for i, e := range t {
			result[i] = copyJSONValue(e)
		}
		return result
	default:
		return v
	}
}
