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

package auth

import (
	"context"
	"errors"
)

// ErrInvalidSession the session token does not (or no longer) map to a user
var ErrInvalidSession = errors.New("invalid session token")

// Principal the identity behind a session token
type Principal struct {
	// UserID the user ID
	UserID string
}

// IdentityStore session and role lookup service
type IdentityStore interface {
	// ResolveSession map a session token to a user ID. Returns ErrInvalidSession
	// (possibly wrapped) when the token is unknown or expired; any other error is
	// treated as transient.
	ResolveSession(ctxt context.Context, sessionToken string) (string, error)
	// ResolveRoles list the names of every role the user holds, including roles
	// inherited through other roles
	ResolveRoles(ctxt context.Context, userID string) ([]string, error)
}
