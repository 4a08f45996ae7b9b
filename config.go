// Copyright 2024 The DebugProxy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package debugproxy

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Config holds the mutable, process-wide tunables of the proxy. A
// *Config is never mutated in place once published; updates build a
// new value and swap the pointer held by ConfigStore, so readers on
// the hot forwarding path never block on a lock.
type Config struct {
	ClientTimeoutMS   uint32 `json:"client_timeout_ms"`
	UpstreamTimeoutMS uint32 `json:"upstream_timeout_ms"`
	MaxHistorySize    uint32 `json:"max_history_size"`
	MaxBodySize       uint32 `json:"max_body_size"`
	TruncateBodyAt    uint32 `json:"truncate_body_at"`

	// Immutable after startup; not part of the JSON config contract.
	BindHost          string `json:"-"`
	ListenPort        int    `json:"-"`
	UpstreamHostPort  string `json:"-"`
	AdminToken        string `json:"-"`
}

// ClientTimeout returns the configured client timeout as a Duration.
func (c *Config) ClientTimeout() time.Duration {
	return time.Duration(c.ClientTimeoutMS) * time.Millisecond
}

// UpstreamTimeout returns the configured upstream timeout as a Duration.
func (c *Config) UpstreamTimeout() time.Duration {
	return time.Duration(c.UpstreamTimeoutMS) * time.Millisecond
}

// Validate enforces the one cross-field invariant on Config: the
// preview cap can never exceed the hard body cap.
func (c *Config) Validate() error {
	if c.TruncateBodyAt > c.MaxBodySize {
		return fmt.Errorf("truncate_body_at (%d) must not exceed max_body_size (%d)", c.TruncateBodyAt, c.MaxBodySize)
	}
	if c.MaxHistorySize < 1 {
		return fmt.Errorf("max_history_size must be at least 1")
	}
	return nil
}

// Clone returns a shallow copy suitable as the basis for a partial
// update (the admin PATCH-like config endpoint only sets the fields
// present in the request body).
func (c *Config) Clone() *Config {
	cp := *c
	return &cp
}

// ConfigStore is an atomic, wait-free-to-read snapshot pointer for
// Config, in the spirit of the "shared atomic snapshot" design note:
// every request loads the pointer once and uses that value for the
// remainder of its lifetime, even if an admin update races it.
type ConfigStore struct {
	v atomic.Pointer[Config]
}

// NewConfigStore creates a store seeded with the given initial config.
func NewConfigStore(initial *Config) *ConfigStore {
	s := &ConfigStore{}
	s.v.Store(initial)
	return s
}

// Load returns the current snapshot. Never returns nil once
// constructed via NewConfigStore.
func (s *ConfigStore) Load() *Config {
	return s.v.Load()
}

// Update validates and publishes a new snapshot built from mutator,
// which receives a clone of the current config to modify in place.
// Returns the published config, or an error if the result is invalid
// (the prior snapshot remains in effect in that case).
func (s *ConfigStore) Update(mutator func(*Config)) (*Config, error) {
	next := s.Load().Clone()
	mutator(next)
	if err := next.Validate(); err != nil {
		return nil, err
	}
	s.v.Store(next)
	return next, nil
}
