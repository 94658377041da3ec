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
	"fmt"
	"sync"
)

// StaticIdentityStore in-memory IdentityStore
type StaticIdentityStore struct {
	sessions map[string]string
	roles    map[string][]string
	lock     sync.RWMutex
}

// NewStaticIdentityStore define a new empty StaticIdentityStore
func NewStaticIdentityStore() *StaticIdentityStore {
	return &StaticIdentityStore{
		sessions: make(map[string]string),
		roles:    make(map[string][]string),
	}
}

// SetSession map a session token to a user
func (s *StaticIdentityStore) SetSession(sessionToken, userID string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.sessions[sessionToken] = userID
}

// DeleteSession remove a session token
func (s *StaticIdentityStore) DeleteSession(sessionToken string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.sessions, sessionToken)
}

// SetRoles set the role names of a user
func (s *StaticIdentityStore) SetRoles(userID string, roles ...string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.roles[userID] = append([]string{}, roles...)
}

// ResolveSession map a session token to a user ID
func (s *StaticIdentityStore) ResolveSession(_ context.Context, sessionToken string) (string, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	userID, ok := s.sessions[sessionToken]
	if !ok {
		return "", fmt.Errorf("session %q: %w", sessionToken, ErrInvalidSession)
	}
	return userID, nil
}

// ResolveRoles list the role names of a user
func (s *StaticIdentityStore) ResolveRoles(_ context.Context, userID string) ([]string, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return append([]string{}, s.roles[userID]...), nil
}
