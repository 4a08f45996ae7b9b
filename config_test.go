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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseConfig() *Config {
	return &Config{
		ClientTimeoutMS:   30000,
		UpstreamTimeoutMS: 500,
		MaxHistorySize:    100,
		MaxBodySize:       1 << 20,
		TruncateBodyAt:    1024,
	}
}

func TestConfig_ValidateRejectsBadTruncation(t *testing.T) {
	c := baseConfig()
	c.TruncateBodyAt = c.MaxBodySize + 1
	assert.Error(t, c.Validate())
}

func TestConfig_ValidateRejectsZeroHistory(t *testing.T) {
	c := baseConfig()
	c.MaxHistorySize = 0
	assert.Error(t, c.Validate())
}

func TestConfig_DurationHelpers(t *testing.T) {
	c := baseConfig()
	assert.Equal(t, 30*time.Second, c.ClientTimeout())
	assert.Equal(t, 500*time.Millisecond, c.UpstreamTimeout())
}

func TestConfigStore_UpdatePublishesNewSnapshotOnSuccess(t *testing.T) {
	s := NewConfigStore(baseConfig())

	updated, err := s.Update(func(c *Config) { c.MaxHistorySize = 200 })
	require.NoError(t, err)
	assert.Equal(t, uint32(200), updated.MaxHistorySize)
	assert.Equal(t, uint32(200), s.Load().MaxHistorySize)
}

func TestConfigStore_UpdateRejectsInvalidResultAndKeepsPriorSnapshot(t *testing.T) {
	s := NewConfigStore(baseConfig())
	prior := s.Load()

	_, err := s.Update(func(c *Config) { c.TruncateBodyAt = c.MaxBodySize * 2 })
	require.Error(t, err)
	assert.Same(t, prior, s.Load())
}

func TestConfigStore_UpdateDoesNotMutatePriorSnapshot(t *testing.T) {
	s := NewConfigStore(baseConfig())
	prior := s.Load()

	_, err := s.Update(func(c *Config) { c.MaxHistorySize = 999 })
	require.NoError(t, err)
	assert.Equal(t, uint32(100), prior.MaxHistorySize)
}
