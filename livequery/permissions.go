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
	"sort"
	"strings"
)

// Requester who a notification is being evaluated for.
//
// Roles are looked up on first use only. A Requester is used by one goroutine.
type Requester struct {
	// UserID the user behind the session token. Empty for anonymous requesters.
	UserID string
	// UseMasterKey whether the connection holds elevated privilege
	UseMasterKey bool

	loadRoles   func(ctxt context.Context) ([]string, error)
	roles       []string
	rolesLoaded bool
}

// Roles the role names the user holds
func (r *Requester) Roles(ctxt context.Context) ([]string, error) {
	if r.rolesLoaded {
		return r.roles, nil
	}
	if r.UserID == "" || r.loadRoles == nil {
		r.rolesLoaded = true
		return nil, nil
	}
	roles, err := r.loadRoles(ctxt)
	if err != nil {
		return nil, err
	}
	r.roles = roles
	r.rolesLoaded = true
	return roles, nil
}

// PermissionStore class level permission and protected field policy
type PermissionStore interface {
	// EvaluateClassPermission whether the requester may use a verb (get or find) on a
	// collection. A false return is a silent denial; an error is a failure.
	EvaluateClassPermission(
		ctxt context.Context,
		clp map[string]interface{},
		className string,
		requester *Requester,
		verb string,
	) (bool, error)
	// ComputeProtectedFields list the fields of a collection which must be removed
	// from records sent to the requester
	ComputeProtectedFields(
		ctxt context.Context,
		clp map[string]interface{},
		className string,
		where map[string]interface{},
		requester *Requester,
	) ([]string, error)
}

// DefaultPermissionStore PermissionStore evaluating the class level permission
// snapshot carried by each change event.
//
// Per verb, a grant is "<key>": true where key is "*", a user ID, or "role:<name>".
// "requiresAuthentication": true grants any signed in user. A verb with
// "pointerFields", or a "readUserFields" list, is granted and left to row level
// filtering. A verb with no entry is unrestricted.
//
// "protectedFields" maps "*", "authenticated", a user ID, or "role:<name>" to field
// lists. The fields protected from a requester are the intersection of the lists of
// every key applying to it.
type DefaultPermissionStore struct{}

// EvaluateClassPermission whether the requester may use a verb on a collection
func (s DefaultPermissionStore) EvaluateClassPermission(
	ctxt context.Context,
	clp map[string]interface{},
	_ string,
	requester *Requester,
	verb string,
) (bool, error) {
	if clp == nil || requester.UseMasterKey {
		return true, nil
	}
	perms, ok := clp[verb].(map[string]interface{})
	if !ok {
		return true, nil
	}
	if granted(perms, "*") {
		return true, nil
	}
	if requester.UserID != "" {
		if granted(perms, requester.UserID) || granted(perms, "requiresAuthentication") {
			return true, nil
		}
	}
	if pointers, ok := perms["pointerFields"].([]interface{}); ok && len(pointers) > 0 {
		return true, nil
	}
	if verb == "get" || verb == "find" {
		if pointers, ok := clp["readUserFields"].([]interface{}); ok && len(pointers) > 0 {
			return true, nil
		}
	}
	if requester.UserID == "" || !hasRoleKeys(perms) {
		return false, nil
	}
	roles, err := requester.Roles(ctxt)
	if err != nil {
		return false, err
	}
	for _, role := range roles {
		if granted(perms, "role:"+role) {
			return true, nil
		}
	}
	return false, nil
}

// ComputeProtectedFields list the fields which must be removed for the requester
func (s DefaultPermissionStore) ComputeProtectedFields(
	ctxt context.Context,
	clp map[string]interface{},
	_ string,
	where map[string]interface{},
	requester *Requester,
) ([]string, error) {
	if clp == nil || requester.UseMasterKey {
		return nil, nil
	}
	protected, ok := clp["protectedFields"].(map[string]interface{})
	if !ok || len(protected) == 0 {
		return nil, nil
	}
	// A user reading their own record
	if objectID, ok := where["objectId"].(string); ok && requester.UserID != "" && objectID == requester.UserID {
		return nil, nil
	}

	keys := []string{"*"}
	if requester.UserID != "" {
		keys = append(keys, "authenticated", requester.UserID)
		if hasRoleKeys(protected) {
			roles, err := requester.Roles(ctxt)
			if err != nil {
				return nil, err
			}
			for _, role := range roles {
				keys = append(keys, "role:"+role)
			}
		}
	}

	var result map[string]bool
	for _, key := range keys {
		fields, ok := protected[key].([]interface{})
		if !ok {
			continue
		}
		listed := map[string]bool{}
		for _, field := range fields {
			if name, ok := field.(string); ok {
				listed[name] = true
			}
		}
		if result == nil {
			result = listed
			continue
		}
		for name := range result {
			if !listed[name] {
				delete(result, name)
			}
		}
	}
	fields := make([]string, 0, len(result))
	for name := range result {
		fields = append(fields, name)
	}
	sort.Strings(fields)
	return fields, nil
}

func granted(perms map[string]interface{}, key string) bool {
	v, _ := perms[key].(bool)
	return v
}

func hasRoleKeys(perms map[string]interface{}) bool {
	for key := range perms {
		if strings.HasPrefix(key, "role:") {
			return true
		}
	}
	return false
}
