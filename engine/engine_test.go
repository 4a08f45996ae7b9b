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
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	debugproxy "github.com/YouXam/debug-proxy"
	"github.com/YouXam/debug-proxy/metrics"
	"github.com/YouXam/debug-proxy/supervisor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// rawUpstream is a minimal TCP server that replies to every request
// with a fixed, fully-framed response, so tests can exercise the wire
// protocol without pulling in net/http.Server on the upstream side.
func rawUpstream(t *testing.T, response string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				br := bufio.NewReader(conn)
				for {
					if _, err := readRequestLine(br); err != nil {
						return
					}
					if _, err := readHeaderList(br); err != nil {
						return
					}
					if _, err := conn.Write([]byte(response)); err != nil {
						return
					}
				}
			}()
		}
	}()
	return ln.Addr().String()
}

func newTestEngine(t *testing.T, upstream string, admin http.Handler) (*Engine, *debugproxy.Store) {
	t.Helper()
	cfg := &debugproxy.Config{
		ClientTimeoutMS:   2000,
		UpstreamTimeoutMS: 300,
		MaxHistorySize:    10,
		MaxBodySize:       1 << 20,
		TruncateBodyAt:    1024,
		UpstreamHostPort:  upstream,
	}
	configs := debugproxy.NewConfigStore(cfg)
	store := debugproxy.NewStore(cfg.MaxHistorySize)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg, func() float64 { return float64(store.Len()) })
	sup := supervisor.New(nil, upstream, zap.NewNop())
	return New(configs, store, sup, m, admin, zap.NewNop()), store
}

func dialAndSend(t *testing.T, addr, raw string) string {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte(raw))
	require.NoError(t, err)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	out, _ := io.ReadAll(conn)
	return string(out)
}

func TestEngine_HappyPath(t *testing.T) {
	upstream := rawUpstream(t, "HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\nContent-Length: 5\r\n\r\nhello")
	eng, store := newTestEngine(t, upstream, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng.Serve(ctx, ln)

	resp := dialAndSend(t, ln.Addr().String(), "GET /x HTTP/1.1\r\nHost: h\r\nConnection: close\r\n\r\n")
	require.Contains(t, resp, "200")
	require.Contains(t, resp, "hello")

	require.Eventually(t, func() bool { return store.Len() == 1 }, time.Second, 10*time.Millisecond)
	snap := store.Snapshot()
	require.Len(t, snap, 1)
	require.NotNil(t, snap[0].Response)
	require.Equal(t, 200, snap[0].Response.Status)
	require.Equal(t, uint64(5), snap[0].Response.Body.Size)
	require.Equal(t, "hello", snap[0].Response.Body.Preview)
	require.Equal(t, snap[0].Request.ID, snap[0].Response.ID)
}

func TestEngine_UpstreamTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		// Accept but never write a response.
		_ = conn
	}()

	eng, store := newTestEngine(t, ln.Addr().String(), nil)

	serverLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng.Serve(ctx, serverLn)

	start := time.Now()
	resp := dialAndSend(t, serverLn.Addr().String(), "GET /slow HTTP/1.1\r\nHost: h\r\nConnection: close\r\n\r\n")
	elapsed := time.Since(start)

	require.Contains(t, resp, "504")
	require.Less(t, elapsed, 2*time.Second)

	require.Eventually(t, func() bool { return store.Len() == 1 }, time.Second, 10*time.Millisecond)
	snap := store.Snapshot()
	require.Equal(t, "upstream_timeout", snap[0].Error)
}

func TestEngine_MalformedRequestRecordsBadRequest(t *testing.T) {
	upstream := rawUpstream(t, "HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n")
	eng, store := newTestEngine(t, upstream, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng.Serve(ctx, ln)

	resp := dialAndSend(t, ln.Addr().String(), "NOT A REQUEST\r\n\r\n")
	require.Contains(t, resp, "400")

	require.Eventually(t, func() bool { return store.Len() == 1 }, time.Second, 10*time.Millisecond)
	require.Equal(t, "bad_request", store.Snapshot()[0].Error)
}

func TestEngine_AdminRequestNotRecorded(t *testing.T) {
	upstream := rawUpstream(t, "HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n")
	adminMux := http.NewServeMux()
	adminMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ready":true}`))
	})
	eng, store := newTestEngine(t, upstream, adminMux)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng.Serve(ctx, ln)

	resp := dialAndSend(t, ln.Addr().String(), "GET /_proxy/healthz HTTP/1.1\r\nHost: h\r\n\r\n")
	require.Contains(t, resp, "200")
	require.Contains(t, resp, "ready")

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 0, store.Len())
}
