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
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func parseWhere(t *testing.T, raw string) map[string]interface{} {
	var result map[string]interface{}
	assert.Nil(t, json.Unmarshal([]byte(raw), &result))
	return result
}

func TestFingerprint(t *testing.T) {
	assert := assert.New(t)

	fp := func(raw string) string {
		result, err := Fingerprint(parseWhere(t, raw))
		assert.Nil(err)
		return result
	}

	// Case 0: key order does not matter
	assert.Equal(fp(`{"a":1,"b":{"c":2,"d":3}}`), fp(`{"b":{"d":3,"c":2},"a":1}`))

	// Case 1: operand order of set operators does not matter
	assert.Equal(
		fp(`{"$or":[{"a":1},{"b":2}],"c":{"$in":[3,1,2]}}`),
		fp(`{"c":{"$in":[1,2,3]},"$or":[{"b":2},{"a":1}]}`),
	)

	// Case 2: different predicates differ
	assert.NotEqual(fp(`{"a":1}`), fp(`{"a":2}`))
	assert.NotEqual(fp(`{}`), fp(`{"a":1}`))

	// Case 3: array order matters elsewhere
	assert.NotEqual(fp(`{"a":[1,2]}`), fp(`{"a":[2,1]}`))

	// Case 4: nil and empty where-clause are the same
	empty, err := Fingerprint(nil)
	assert.Nil(err)
	assert.Equal(fp(`{}`), empty)
}

func TestIndexAttachDetach(t *testing.T) {
	assert := assert.New(t)

	uut := NewIndex("ut-index")
	client1 := uuid.New().String()
	client2 := uuid.New().String()
	whereA := parseWhere(t, `{"score":{"$gt":10}}`)
	whereB := parseWhere(t, `{}`)

	// Case 0: first attach creates the subscription
	fpA, err := uut.Attach("Score", whereA, client1, 1)
	assert.Nil(err)
	sub, ok := uut.Get("Score", fpA)
	assert.True(ok)
	assert.Equal("Score", sub.ClassName)
	assert.Equal([]Attachment{{ClientID: client1, RequestID: 1}}, sub.Attachments())

	// Case 1: same predicate is reused, same attachment is not duplicated
	fpA2, err := uut.Attach("Score", parseWhere(t, `{"score":{"$gt":10}}`), client1, 1)
	assert.Nil(err)
	assert.Equal(fpA, fpA2)
	assert.Equal(1, sub.AttachmentCount())
	_, err = uut.Attach("Score", whereA, client1, 2)
	assert.Nil(err)
	_, err = uut.Attach("Score", whereA, client2, 1)
	assert.Nil(err)
	assert.Equal(3, sub.AttachmentCount())
	assert.Len(uut.ForClass("Score"), 1)

	// Case 2: another predicate
	fpB, err := uut.Attach("Score", whereB, client2, 2)
	assert.Nil(err)
	assert.NotEqual(fpA, fpB)
	assert.Len(uut.ForClass("Score"), 2)
	assert.Empty(uut.ForClass("Other"))
	stats := uut.Stats()
	assert.Equal(2, stats.Subscriptions)
	assert.Equal(4, stats.Attachments)
	assert.Equal(map[string]int{"Score": 2}, stats.PerClass)

	// Case 3: the stored where-clause is a copy
	whereA["score"] = "changed"
	assert.Equal(map[string]interface{}{"$gt": 10.0}, sub.Where["score"])

	// Case 4: detach unknown
	assert.NotNil(uut.Detach("Other", fpA, client1, 1))
	assert.NotNil(uut.Detach("Score", "unknown", client1, 1))
	assert.NotNil(uut.Detach("Score", fpA, client1, 9))

	// Case 5: detaching everything prunes the subscription and the collection
	assert.Nil(uut.Detach("Score", fpA, client1, 1))
	assert.Nil(uut.Detach("Score", fpA, client1, 2))
	_, ok = uut.Get("Score", fpA)
	assert.True(ok)
	assert.Nil(uut.Detach("Score", fpA, client2, 1))
	_, ok = uut.Get("Score", fpA)
	assert.False(ok)
	assert.Len(uut.ForClass("Score"), 1)
	assert.Nil(uut.Detach("Score", fpB, client2, 2))
	assert.Empty(uut.ForClass("Score"))
	stats = uut.Stats()
	assert.Equal(0, stats.Subscriptions)
	assert.Empty(stats.PerClass)
	assert.Empty(uut.classes)
}
