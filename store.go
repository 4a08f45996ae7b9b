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
	"container/list"
	"sync"
)

// Handle identifies an in-flight (or since-terminated) Transaction
// returned by Store.Begin. It is just the Transaction's ID, but kept
// as a distinct type so callers can't accidentally pass an arbitrary
// string where a handle is expected.
type Handle string

// Store is a bounded, ordered, concurrency-safe log of Transactions.
// Begin never blocks and never fails; readers get a consistent
// point-in-time Snapshot without holding up writers beyond a brief
// lock, per the design note that observability must never slow the
// forwarding path.
type Store struct {
	mu       sync.Mutex
	order    *list.List // front = newest, back = oldest
	index    map[string]*list.Element
	capacity uint32
}

// NewStore creates a Store with the given initial capacity
// (max_history_size). Capacity is clamped to at least 1.
func NewStore(capacity uint32) *Store {
	if capacity < 1 {
		capacity = 1
	}
	return &Store{
		order:    list.New(),
		index:    make(map[string]*list.Element),
		capacity: capacity,
	}
}

// Begin allocates an in-flight entry at the head of the log from req
// (which should not yet have an ID; Begin assigns one) and returns a
// Handle for later Complete/Fail calls.
func (s *Store) Begin(req RequestRecord) Handle {
	req.ID = NewTransactionID()
	tx := &Transaction{ID: req.ID, Request: req}

	s.mu.Lock()
	defer s.mu.Unlock()

	elem := s.order.PushFront(tx)
	s.index[tx.ID] = elem
	// The entry just created is in-flight, so it is never itself a
	// candidate for eviction here; this only trims older terminal slack
	// that built up while in-flight entries held the ring open.
	s.evictLocked()

	return Handle(tx.ID)
}

// SetRequestBody attaches the request body summary to handle's
// Transaction once the body has been fully streamed through. Safe to
// call while the transaction is still in-flight; a no-op if the
// handle is unknown.
func (s *Store) SetRequestBody(h Handle, body BodySummary) {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.index[string(h)]
	if !ok {
		return
	}
	tx := elem.Value.(*Transaction)
	tx.Request.Body = body
}

// Complete records resp against handle's Transaction. A no-op if the
// handle is unknown (evicted or cleared) or already terminal.
func (s *Store) Complete(h Handle, resp ResponseRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.index[string(h)]
	if !ok {
		return
	}
	tx := elem.Value.(*Transaction)
	if !tx.InFlight() {
		return
	}
	tx.Response = &resp
	s.evictLocked()
}

// Fail records errKind against handle's Transaction. A no-op if the
// handle is unknown or already terminal.
func (s *Store) Fail(h Handle, errKind ErrorKind) {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.index[string(h)]
	if !ok {
		return
	}
	tx := elem.Value.(*Transaction)
	if !tx.InFlight() {
		return
	}
	tx.Error = string(errKind)
	s.evictLocked()
}

// Snapshot returns a point-in-time copy of the log, newest first.
func (s *Store) Snapshot() []Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Transaction, 0, s.order.Len())
	for e := s.order.Front(); e != nil; e = e.Next() {
		tx := e.Value.(*Transaction)
		cp := *tx
		if tx.Response != nil {
			respCopy := *tx.Response
			cp.Response = &respCopy
		}
		out = append(out, cp)
	}
	return out
}

// Clear drops every entry. In-flight handles remain syntactically
// valid afterward: Complete/Fail against them simply find nothing and
// no-op, same as for a naturally evicted entry. Returns the number of
// entries removed.
func (s *Store) Clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.order.Len()
	s.order = list.New()
	s.index = make(map[string]*list.Element)
	return n
}

// Resize changes capacity to n (clamped to at least 1), immediately
// evicting oldest terminal entries until the count is within the new
// capacity. In-flight entries are never evicted, so actual occupancy
// may still exceed n until they terminate.
func (s *Store) Resize(n uint32) {
	if n < 1 {
		n = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.capacity = n
	s.evictLocked()
}

// Len reports the current entry count, including in-flight ones.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}

// evictLocked removes oldest terminal entries until the log is within
// capacity or only in-flight entries remain beyond it. Caller must
// hold s.mu.
func (s *Store) evictLocked() {
	for uint32(s.order.Len()) > s.capacity {
		removedAny := false
		for e := s.order.Back(); e != nil; e = e.Prev() {
			tx := e.Value.(*Transaction)
			if tx.InFlight() {
				continue
			}
			s.order.Remove(e)
			delete(s.index, tx.ID)
			removedAny = true
			break
		}
		if !removedAny {
			// Everything beyond capacity is in-flight; can't shrink further.
			return
		}
	}
}
