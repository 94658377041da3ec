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
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func rolesRequester(userID string, calls *int, roles ...string) *Requester {
	return &Requester{
		UserID: userID,
		loadRoles: func(_ context.Context) ([]string, error) {
			*calls++
			return roles, nil
		},
	}
}

func TestClassPermissionEvaluation(t *testing.T) {
	assert := assert.New(t)
	uut := DefaultPermissionStore{}
	ctxt := context.Background()

	clp := parseWhere(t, `{
		"find": {"u1": true, "role:editors": true},
		"get": {"*": true},
		"count": {"requiresAuthentication": true},
		"create": {"pointerFields": ["owner"]}
	}`)

	// Case 0: no snapshot, or master
	allowed, err := uut.EvaluateClassPermission(ctxt, nil, "A", &Requester{}, "find")
	assert.Nil(err)
	assert.True(allowed)
	allowed, err = uut.EvaluateClassPermission(ctxt, clp, "A", &Requester{UseMasterKey: true}, "find")
	assert.Nil(err)
	assert.True(allowed)

	// Case 1: public grant, and verbs without entry
	allowed, err = uut.EvaluateClassPermission(ctxt, clp, "A", &Requester{}, "get")
	assert.Nil(err)
	assert.True(allowed)
	allowed, err = uut.EvaluateClassPermission(ctxt, clp, "A", &Requester{}, "delete")
	assert.Nil(err)
	assert.True(allowed)

	// Case 2: user grant, without a role lookup
	calls := 0
	allowed, err = uut.EvaluateClassPermission(ctxt, clp, "A", rolesRequester("u1", &calls), "find")
	assert.Nil(err)
	assert.True(allowed)
	assert.Equal(0, calls)

	// Case 3: anonymous denied
	allowed, err = uut.EvaluateClassPermission(ctxt, clp, "A", &Requester{}, "find")
	assert.Nil(err)
	assert.False(allowed)

	// Case 4: role grant, loaded once
	calls = 0
	requester := rolesRequester("u2", &calls, "editors")
	allowed, err = uut.EvaluateClassPermission(ctxt, clp, "A", requester, "find")
	assert.Nil(err)
	assert.True(allowed)
	allowed, err = uut.EvaluateClassPermission(ctxt, clp, "A", requester, "find")
	assert.Nil(err)
	assert.True(allowed)
	assert.Equal(1, calls)
	allowed, err = uut.EvaluateClassPermission(
		ctxt, clp, "A", rolesRequester("u3", &calls, "viewers"), "find",
	)
	assert.Nil(err)
	assert.False(allowed)

	// Case 5: authentication required
	allowed, err = uut.EvaluateClassPermission(ctxt, clp, "A", &Requester{}, "count")
	assert.Nil(err)
	assert.False(allowed)
	allowed, err = uut.EvaluateClassPermission(ctxt, clp, "A", &Requester{UserID: "u9"}, "count")
	assert.Nil(err)
	assert.True(allowed)

	// Case 6: pointer permissions defer to row level filtering
	allowed, err = uut.EvaluateClassPermission(ctxt, clp, "A", &Requester{}, "create")
	assert.Nil(err)
	assert.True(allowed)

	// Case 7: role lookup failure
	failing := &Requester{
		UserID: "u4",
		loadRoles: func(_ context.Context) ([]string, error) {
			return nil, fmt.Errorf("role store down")
		},
	}
	_, err = uut.EvaluateClassPermission(ctxt, clp, "A", failing, "find")
	assert.NotNil(err)
}

func TestProtectedFields(t *testing.T) {
	assert := assert.New(t)
	uut := DefaultPermissionStore{}
	ctxt := context.Background()

	clp := parseWhere(t, `{
		"protectedFields": {
			"*": ["email", "phone", "address"],
			"authenticated": ["email", "phone"],
			"role:support": ["phone"]
		}
	}`)
	where := map[string]interface{}{}

	// Case 0: anonymous
	fields, err := uut.ComputeProtectedFields(ctxt, clp, "Person", where, &Requester{})
	assert.Nil(err)
	assert.Equal([]string{"address", "email", "phone"}, fields)

	// Case 1: signed in
	calls := 0
	fields, err = uut.ComputeProtectedFields(ctxt, clp, "Person", where, rolesRequester("u1", &calls))
	assert.Nil(err)
	assert.Equal([]string{"email", "phone"}, fields)
	assert.Equal(1, calls)

	// Case 2: role narrows further
	fields, err = uut.ComputeProtectedFields(
		ctxt, clp, "Person", where, rolesRequester("u1", &calls, "support"),
	)
	assert.Nil(err)
	assert.Equal([]string{"phone"}, fields)

	// Case 3: master and the user's own record
	fields, err = uut.ComputeProtectedFields(ctxt, clp, "Person", where, &Requester{UseMasterKey: true})
	assert.Nil(err)
	assert.Empty(fields)
	fields, err = uut.ComputeProtectedFields(
		ctxt, clp, "Person", map[string]interface{}{"objectId": "u1"}, &Requester{UserID: "u1"},
	)
	assert.Nil(err)
	assert.Empty(fields)

	// Case 4: no protected fields configured
	fields, err = uut.ComputeProtectedFields(ctxt, nil, "Person", where, &Requester{})
	assert.Nil(err)
	assert.Empty(fields)
}
