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
	"reflect"
	"strings"

	"github.com/alwitt/livequery/common"
)

// QueryMatcher where-clause evaluator
type QueryMatcher interface {
	// Matches whether a record satisfies a where-clause
	Matches(record common.Record, where map[string]interface{}) bool
}

// DefaultMatcher QueryMatcher supporting field equality and the operators $eq, $ne,
// $in, $nin, $exists, $gt, $gte, $lt, $lte, $or, $and and $nor. Field names may be
// dotted paths into nested objects. An equality constraint on an array field matches
// when the array contains the value. Unknown operators never match.
type DefaultMatcher struct{}

// Matches whether a record satisfies a where-clause
func (m DefaultMatcher) Matches(record common.Record, where map[string]interface{}) bool {
	if record == nil {
		return false
	}
	for key, constraint := range where {
		switch key {
		case "$or":
			if !m.matchAny(record, constraint) {
				return false
			}
		case "$and":
			if !m.matchAll(record, constraint) {
				return false
			}
		case "$nor":
			clauses, ok := constraint.([]interface{})
			if !ok || m.matchAny(record, clauses) {
				return false
			}
		default:
			value, exists := lookupField(record, key)
			if !matchConstraint(value, exists, constraint) {
				return false
			}
		}
	}
	return true
}

func (m DefaultMatcher) matchAny(record common.Record, clauses interface{}) bool {
	list, ok := clauses.([]interface{})
	if !ok {
		return false
	}
	for _, clause := range list {
		if sub, ok := clause.(map[string]interface{}); ok && m.Matches(record, sub) {
			return true
		}
	}
	return false
}

func (m DefaultMatcher) matchAll(record common.Record, clauses interface{}) bool {
	list, ok := clauses.([]interface{})
	if !ok {
		return false
	}
	for _, clause := range list {
		sub, ok := clause.(map[string]interface{})
		if !ok || !m.Matches(record, sub) {
			return false
		}
	}
	return true
}

func lookupField(record common.Record, path string) (interface{}, bool) {
	var current interface{} = map[string]interface{}(record)
	for _, part := range strings.Split(path, ".") {
		obj, ok := asObject(current)
		if !ok {
			return nil, false
		}
		current, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// asObject view a JSON object value. Nested records count as objects.
func asObject(v interface{}) (map[string]interface{}, bool) {
	switch t := v.(type) {
	case map[string]interface{}:
		return t, true
	case common.Record:
		return map[string]interface{}(t), true
	}
	return nil, false
}

func isOperatorMap(constraint interface{}) (map[string]interface{}, bool) {
	ops, ok := constraint.(map[string]interface{})
	if !ok || len(ops) == 0 {
		return nil, false
	}
	for key := range ops {
		if !strings.HasPrefix(key, "$") {
			return nil, false
		}
	}
	return ops, true
}

func matchConstraint(value interface{}, exists bool, constraint interface{}) bool {
	ops, ok := isOperatorMap(constraint)
	if !ok {
		return exists && matchEquality(value, constraint)
	}
	for op, operand := range ops {
		if !matchOperator(value, exists, op, operand) {
			return false
		}
	}
	return true
}

func matchOperator(value interface{}, exists bool, op string, operand interface{}) bool {
	switch op {
	case "$eq":
		return exists && matchEquality(value, operand)
	case "$ne":
		return !exists || !matchEquality(value, operand)
	case "$in":
		candidates, ok := operand.([]interface{})
		if !ok || !exists {
			return false
		}
		for _, candidate := range candidates {
			if matchEquality(value, candidate) {
				return true
			}
		}
		return false
	case "$nin":
		candidates, ok := operand.([]interface{})
		if !ok {
			return false
		}
		if !exists {
			return true
		}
		for _, candidate := range candidates {
			if matchEquality(value, candidate) {
				return false
			}
		}
		return true
	case "$exists":
		want, ok := operand.(bool)
		return ok && want == exists
	case "$gt", "$gte", "$lt", "$lte":
		if !exists {
			return false
		}
		cmp, ok := compareValues(value, operand)
		if !ok {
			return false
		}
		switch op {
		case "$gt":
			return cmp > 0
		case "$gte":
			return cmp >= 0
		case "$lt":
			return cmp < 0
		default:
			return cmp <= 0
		}
	default:
		return false
	}
}

// matchEquality equality, where an array value matches when it contains the operand
func matchEquality(value, operand interface{}) bool {
	if equalValues(value, operand) {
		return true
	}
	if list, ok := value.([]interface{}); ok {
		for _, e := range list {
			if equalValues(e, operand) {
				return true
			}
		}
	}
	return false
}

func equalValues(a, b interface{}) bool {
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		return ok && af == bf
	}
	if ak, ok := typedKey(a); ok {
		bk, ok := typedKey(b)
		return ok && ak == bk
	}
	return reflect.DeepEqual(a, b)
}

// typedKey identity of a typed JSON object (pointer or date)
func typedKey(v interface{}) (string, bool) {
	obj, ok := asObject(v)
	if !ok {
		return "", false
	}
	switch obj["__type"] {
	case "Pointer":
		className, _ := obj["className"].(string)
		objectID, _ := obj["objectId"].(string)
		return "Pointer:" + className + ":" + objectID, true
	case "Date":
		iso, _ := obj["iso"].(string)
		return "Date:" + iso, true
	}
	return "", false
}

// compareValues order two numbers, strings, or dates
func compareValues(a, b interface{}) (int, bool) {
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		}
		return 0, true
	}
	as, aok := orderedString(a)
	bs, bok := orderedString(b)
	if !aok || !bok {
		return 0, false
	}
	return strings.Compare(as, bs), true
}

func orderedString(v interface{}) (string, bool) {
	if s, ok := v.(string); ok {
		return s, true
	}
	if obj, ok := asObject(v); ok && obj["__type"] == "Date" {
		iso, ok := obj["iso"].(string)
		return iso, ok
	}
	return "", false
}

func toFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	}
	return 0, false
}
