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
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/zeebo/blake3"
)

// Operators whose array operand order has no meaning
var unorderedOperators = map[string]bool{
	"$or": true, "$and": true, "$nor": true, "$in": true, "$nin": true, "$all": true,
}

// Fingerprint compute the stable hash of a where-clause. Two where-clauses which
// differ only in object key order, or in the order of the operands of $or, $and,
// $nor, $in, $nin and $all share a fingerprint.
func Fingerprint(where map[string]interface{}) (string, error) {
	canonical, err := canonicalJSON(normalize(where))
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalJSON serialize a normalized value. encoding/json writes map keys in
// sorted order.
func canonicalJSON(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		if t == nil {
			return map[string]interface{}{}
		}
		result := make(map[string]interface{}, len(t))
		for k, e := range t {
			normalized := normalize(e)
			if operands, ok := normalized.([]interface{}); ok && unorderedOperators[k] {
				normalized = sortOperands(operands)
			}
			result[k] = normalized
		}
		return result
	case []interface{}:
		result := make([]interface{}, len(t))
		for i, e := range t {
			result[i] = normalize(e)
		}
		return result
	default:
		return v
	}
}

func sortOperands(operands []interface{}) []interface{} {
	type keyed struct {
		key   string
		value interface{}
	}
	entries := make([]keyed, len(operands))
	for i, op := range operands {
		raw, err := canonicalJSON(op)
		if err != nil {
			// Unserializable operands keep their place
			return operands
		}
		entries[i] = keyed{key: string(raw), value: op}
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].key < entries[j].key })
	result := make([]interface{}, len(entries))
	for i, e := range entries {
		result[i] = e.value
	}
	return result
}
