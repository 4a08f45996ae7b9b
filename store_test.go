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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_BeginCompleteSnapshot(t *testing.T) {
	s := NewStore(10)
	h := s.Begin(RequestRecord{Method: "GET", Path: "/x"})

	snap := s.Snapshot()
	require.Len(t, snap, 1)
	assert.True(t, snap[0].InFlight())

	s.Complete(h, ResponseRecord{Status: 200})
	snap = s.Snapshot()
	require.Len(t, snap, 1)
	assert.False(t, snap[0].InFlight())
	assert.Equal(t, 200, snap[0].Response.Status)
}

func TestStore_FailIsNoopOnceTerminal(t *testing.T) {
	s := NewStore(10)
	h := s.Begin(RequestRecord{Method: "GET"})
	s.Complete(h, ResponseRecord{Status: 200})
	s.Fail(h, ErrUpstreamTimeout)

	snap := s.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "", snap[0].Error)
	assert.Equal(t, 200, snap[0].Response.Status)
}

func TestStore_EvictionKeepsNewest(t *testing.T) {
	s := NewStore(3)

	h1 := s.Begin(RequestRecord{Path: "/1"})
	s.Complete(h1, ResponseRecord{Status: 200})
	h2 := s.Begin(RequestRecord{Path: "/2"})
	s.Complete(h2, ResponseRecord{Status: 200})
	h3 := s.Begin(RequestRecord{Path: "/3"})
	s.Complete(h3, ResponseRecord{Status: 200})
	h4 := s.Begin(RequestRecord{Path: "/4"})
	s.Complete(h4, ResponseRecord{Status: 200})
	h5 := s.Begin(RequestRecord{Path: "/5"})
	s.Complete(h5, ResponseRecord{Status: 200})

	snap := s.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "/5", snap[0].Request.Path)
	assert.Equal(t, "/4", snap[1].Request.Path)
	assert.Equal(t, "/3", snap[2].Request.Path)
}

func TestStore_InFlightEntrySurvivesEvictionPressure(t *testing.T) {
	s := NewStore(1)

	inFlight := s.Begin(RequestRecord{Path: "/in-flight"})
	for i := 0; i < 5; i++ {
		h := s.Begin(RequestRecord{Path: "/done"})
		s.Complete(h, ResponseRecord{Status: 200})
	}

	assert.Equal(t, 1, s.Len()) // only the in-flight entry; each terminal one is evicted as it completes
	s.Complete(inFlight, ResponseRecord{Status: 200})
	assert.Equal(t, 1, s.Len())
}

func TestStore_ClearAndResize(t *testing.T) {
	s := NewStore(5)
	for i := 0; i < 5; i++ {
		h := s.Begin(RequestRecord{})
		s.Complete(h, ResponseRecord{})
	}
	assert.Equal(t, 5, s.Clear())
	assert.Equal(t, 0, s.Len())

	for i := 0; i < 5; i++ {
		h := s.Begin(RequestRecord{})
		s.Complete(h, ResponseRecord{})
	}
	s.Resize(2)
	assert.Equal(t, 2, s.Len())
}

func TestStore_SetRequestBody(t *testing.T) {
	s := NewStore(5)
	h := s.Begin(RequestRecord{})
	s.SetRequestBody(h, BodySummary{Size: 42, Preview: "hi"})
	snap := s.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, uint64(42), snap[0].Request.Body.Size)
}
