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
	"sync"
	"time"

	"github.com/alwitt/livequery/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"
)

var sessionLookups = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "livequery_session_lookups_total",
		Help: "Session token resolutions by outcome",
	},
	[]string{"result"},
)

// Resolver resolves session tokens to principals and role sets, caching the results
type Resolver interface {
	// Resolve map a session token to its principal
	Resolve(ctxt context.Context, sessionToken string) (Principal, error)
	// Roles list the role names held by the principal of a session token
	Roles(ctxt context.Context, sessionToken string) ([]string, error)
	// ClearUser forget the memoized roles of a user
	ClearUser(userID string)
	// Size number of cached session tokens
	Size() int
	// Stop stop the background sweep
	Stop() error
}

// ResolverParams Resolver cache parameters
type ResolverParams struct {
	// TTL how long a resolution is cached
	TTL time.Duration `validate:"gt=0"`
	// MaxEntries max number of cached session tokens
	MaxEntries int `validate:"gte=1"`
	// SweepInterval interval between sweeps of expired entries. Zero disables the
	// background sweep; expired entries are still ignored on read.
	SweepInterval time.Duration `validate:"gte=0"`
}

// cacheEntry one cached session token resolution
type cacheEntry struct {
	userID      string
	err         error
	roles       []string
	rolesLoaded bool
	expiresAt   time.Time
}

// resolverImpl implements Resolver
type resolverImpl struct {
	common.Component
	store   IdentityStore
	params  ResolverParams
	entries map[string]*cacheEntry
	lock    sync.Mutex
	flight  singleflight.Group
	sweeper common.IntervalTimer
	now     func() time.Time
}

// GetResolver define a new Resolver
func GetResolver(
	ctxt context.Context, wg *sync.WaitGroup, store IdentityStore, params ResolverParams,
) (Resolver, error) {
	logTags := log.Fields{"module": "auth", "component": "resolver"}
	if err := validator.New().Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Invalid resolver parameters %+v", params)
		return nil, err
	}
	instance := &resolverImpl{
		Component: common.Component{LogTags: logTags},
		store:     store,
		params:    params,
		entries:   make(map[string]*cacheEntry),
		now:       time.Now,
	}
	if params.SweepInterval > 0 {
		sweeper, err := common.GetIntervalTimerInstance(ctxt, wg, "auth-cache-sweep")
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define sweep timer")
			return nil, err
		}
		if err := sweeper.Start(params.SweepInterval, instance.sweep, false); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to start sweep timer")
			return nil, err
		}
		instance.sweeper = sweeper
	}
	return instance, nil
}

// Stop stop the background sweep
func (r *resolverImpl) Stop() error {
	if r.sweeper != nil {
		return r.sweeper.Stop()
	}
	return nil
}

// Size number of cached session tokens
func (r *resolverImpl) Size() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.entries)
}

// lookup return the unexpired entry for a token. Caller holds the lock.
func (r *resolverImpl) lookup(sessionToken string) (*cacheEntry, bool) {
	entry, ok := r.entries[sessionToken]
	if !ok {
		return nil, false
	}
	if !r.now().Before(entry.expiresAt) {
		delete(r.entries, sessionToken)
		return nil, false
	}
	return entry, true
}

// insert cache an entry, evicting the entry closest to expiry when full. Caller holds
// the lock.
func (r *resolverImpl) insert(sessionToken string, entry *cacheEntry) {
	if _, ok := r.entries[sessionToken]; !ok && len(r.entries) >= r.params.MaxEntries {
		var victim string
		var victimExpiry time.Time
		for token, e := range r.entries {
			if victim == "" || e.expiresAt.Before(victimExpiry) {
				victim = token
				victimExpiry = e.expiresAt
			}
		}
		delete(r.entries, victim)
	}
	r.entries[sessionToken] = entry
}

// Resolve map a session token to its principal
func (r *resolverImpl) Resolve(ctxt context.Context, sessionToken string) (Principal, error) {
	if sessionToken == "" {
		return Principal{}, ErrInvalidSession
	}
	r.lock.Lock()
	if entry, ok := r.lookup(sessionToken); ok {
		r.lock.Unlock()
		sessionLookups.WithLabelValues("cached").Inc()
		if entry.err != nil {
			return Principal{}, entry.err
		}
		return Principal{UserID: entry.userID}, nil
	}
	r.lock.Unlock()

	result, err, _ := r.flight.Do("session:"+sessionToken, func() (interface{}, error) {
		userID, err := r.store.ResolveSession(ctxt, sessionToken)
		r.lock.Lock()
		defer r.lock.Unlock()
		if errors.Is(err, ErrInvalidSession) {
			sessionLookups.WithLabelValues("invalid").Inc()
			delete(r.entries, sessionToken)
			return nil, err
		}
		if err != nil {
			sessionLookups.WithLabelValues("error").Inc()
			log.WithError(err).WithFields(r.GetLogTagsForContext(ctxt)).Error("Session lookup failed")
		} else {
			sessionLookups.WithLabelValues("resolved").Inc()
		}
		r.insert(sessionToken, &cacheEntry{
			userID: userID, err: err, expiresAt: r.now().Add(r.params.TTL),
		})
		return userID, err
	})
	if err != nil {
		return Principal{}, err
	}
	return Principal{UserID: result.(string)}, nil
}

// Roles list the role names held by the principal of a session token
func (r *resolverImpl) Roles(ctxt context.Context, sessionToken string) ([]string, error) {
	principal, err := r.Resolve(ctxt, sessionToken)
	if err != nil {
		return nil, err
	}
	r.lock.Lock()
	if entry, ok := r.lookup(sessionToken); ok && entry.rolesLoaded {
		roles := entry.roles
		r.lock.Unlock()
		return roles, nil
	}
	r.lock.Unlock()

	result, err, _ := r.flight.Do("roles:"+sessionToken, func() (interface{}, error) {
		roles, err := r.store.ResolveRoles(ctxt, principal.UserID)
		if err != nil {
			log.WithError(err).WithFields(r.GetLogTagsForContext(ctxt)).Errorf(
				"Role lookup for %s failed", principal.UserID,
			)
			return nil, err
		}
		r.lock.Lock()
		defer r.lock.Unlock()
		if entry, ok := r.lookup(sessionToken); ok && entry.userID == principal.UserID {
			entry.roles = roles
			entry.rolesLoaded = true
		}
		return roles, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]string), nil
}

// ClearUser forget the memoized roles of a user
func (r *resolverImpl) ClearUser(userID string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	for _, entry := range r.entries {
		if entry.userID == userID {
			entry.roles = nil
			entry.rolesLoaded = false
		}
	}
	log.WithFields(r.LogTags).Debugf("Cleared cached roles of %s", userID)
}

// sweep drop expired entries
func (r *resolverImpl) sweep() error {
	r.lock.Lock()
	defer r.lock.Unlock()
	now := r.now()
	removed := 0
	for token, entry := range r.entries {
		if !now.Before(entry.expiresAt) {
			delete(r.entries, token)
			removed++
		}
	}
	if removed > 0 {
		log.WithFields(r.LogTags).Debugf("Swept %d expired sessions", removed)
	}
	return nil
}
