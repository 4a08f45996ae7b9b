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

package engine

import (
	"context"
	"net"
	"sync"

	debugproxy "github.com/YouXam/debug-proxy"
	"golang.org/x/sync/semaphore"
)

// DefaultPoolCapacity is the default bound on concurrent upstream
// connections.
const DefaultPoolCapacity = 32

// Pool is a small, bounded pool of connections to a single upstream
// target. Acquire waits (bounded by ctx) when the pool is saturated;
// it never opens more than capacity connections at once.
type Pool struct {
	addr string
	sem  *semaphore.Weighted
	mu   sync.Mutex
	idle []net.Conn
	dial net.Dialer
}

// NewPool creates a Pool bounded to capacity concurrent connections to
// addr.
func NewPool(addr string, capacity int64) *Pool {
	if capacity < 1 {
		capacity = 1
	}
	return &Pool{
		addr: addr,
		sem:  semaphore.NewWeighted(capacity),
	}
}

// Acquire returns a connection to the pool's upstream, reusing an idle
// one if available, otherwise dialing a fresh one. It blocks until a
// pool slot is available or ctx is done, whichever comes first.
func (p *Pool) Acquire(ctx context.Context) (net.Conn, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, debugproxy.Fail(debugproxy.ErrUpstreamUnavailable, err)
	}

	p.mu.Lock()
	if n := len(p.idle); n > 0 {
		conn := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return conn, nil
	}
	p.mu.Unlock()

	conn, err := p.dial.DialContext(ctx, "tcp", p.addr)
	if err != nil {
		p.sem.Release(1)
		return nil, debugproxy.Fail(debugproxy.ErrUpstreamUnavailable, err)
	}
	return conn, nil
}

// Release returns conn to the pool's slot accounting. If reusable is
// false (framing was unclean, or an error occurred), conn is closed
// rather than kept idle.
func (p *Pool) Release(conn net.Conn, reusable bool) {
	defer p.sem.Release(1)
	if !reusable {
		_ = conn.Close()
		return
	}
	p.mu.Lock()
	p.idle = append(p.idle, conn)
	p.mu.Unlock()
}

// Close closes every idle connection. In-flight (acquired) connections
// are unaffected; callers release or discard those themselves.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.idle {
		_ = c.Close()
	}
	p.idle = nil
}
