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
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"time"

	debugproxy "github.com/YouXam/debug-proxy"
	"github.com/YouXam/debug-proxy/metrics"
	"github.com/YouXam/debug-proxy/supervisor"
	"go.uber.org/zap"
)

// adminPrefix is the reserved request-target prefix routed to the
// admin surface instead of the upstream.
const adminPrefix = "/_proxy"

// Engine is the Proxy Engine (component D): it accepts client
// connections, forwards requests to the upstream under the dual
// timeout regime, and records transactions into the Store.
type Engine struct {
	configs *debugproxy.ConfigStore
	store   *debugproxy.Store
	sup     *supervisor.Supervisor
	metrics *metrics.Registry
	admin   http.Handler
	pool    *Pool
	logger  *zap.Logger
}

// New builds an Engine. admin may be nil, in which case requests under
// /_proxy get a plain 404 (useful in tests that don't exercise the
// admin surface).
func New(configs *debugproxy.ConfigStore, store *debugproxy.Store, sup *supervisor.Supervisor, m *metrics.Registry, admin http.Handler, logger *zap.Logger) *Engine {
	cfg := configs.Load()
	return &Engine{
		configs: configs,
		store:   store,
		sup:     sup,
		metrics: m,
		admin:   admin,
		pool:    NewPool(cfg.UpstreamHostPort, DefaultPoolCapacity),
		logger:  logger,
	}
}

// Serve accepts connections from ln until ctx is cancelled.
func (e *Engine) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
		e.pool.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		go e.handleConn(ctx, conn)
	}
}

func (e *Engine) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	br := bufio.NewReader(conn)

	for {
		if ctx.Err() != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Time{}) // unbounded wait for the next pipelined request

		reqLine, err := readRequestLine(br)
		if err != nil {
			if isCleanClose(err) {
				return
			}
			e.recordMalformed(conn)
			return
		}

		start := time.Now()
		cfg := e.configs.Load()
		deadline := start.Add(cfg.ClientTimeout())
		_ = conn.SetDeadline(deadline)

		keepAlive, fatal := e.handleOneRequest(ctx, conn, br, cfg, reqLine, start, deadline)
		if fatal != nil || !keepAlive {
			return
		}
	}
}

func isCleanClose(err error) bool {
	return errors.Is(err, io.EOF)
}

// recordMalformed handles a request whose start line couldn't even be
// parsed: we still record a transaction (with whatever is known) and
// respond 400.
func (e *Engine) recordMalformed(conn net.Conn) {
	req := debugproxy.RequestRecord{Timestamp: time.Now()}
	h := e.store.Begin(req)
	e.store.Fail(h, debugproxy.ErrBadRequest)
	e.metrics.ObserveOutcome(string(debugproxy.ErrBadRequest))
	_ = writeMessageHead(conn, "HTTP/1.1 400 Bad Request", debugproxy.Headers{
		{Name: "Content-Length", Value: "0"},
		{Name: "Connection", Value: "close"},
	})
}

// handleOneRequest processes exactly one request already past its
// start line, returning whether the client connection should stay
// open for another pipelined request.
func (e *Engine) handleOneRequest(ctx context.Context, conn net.Conn, br *bufio.Reader, cfg *debugproxy.Config, reqLine requestLine, start time.Time, deadline time.Time) (keepAlive bool, fatal error) {
	headers, err := readHeaderList(br)
	if err != nil {
		e.recordMalformed(conn)
		return false, err
	}

	targetPath := reqLine.Target
	if i := strings.IndexAny(targetPath, "?#"); i >= 0 {
		targetPath = targetPath[:i]
	}
	clientAddr := conn.RemoteAddr().String()

	clientFraming := bodyFraming(headers)
	rawBody := bodyReader(br, clientFraming)

	if strings.HasPrefix(targetPath, adminPrefix) {
		return e.handleAdmin(conn, reqLine, headers, rawBody, clientAddr)
	}

	ctBody, _ := headers.Get("Content-Type")
	reqCapture := debugproxy.NewBodyCapture(rawBody, ctBody, cfg.MaxBodySize, cfg.TruncateBodyAt)

	reqRecord := debugproxy.RequestRecord{
		Timestamp:  start,
		Method:     reqLine.Method,
		Path:       reqLine.Target,
		Version:    reqLine.Version,
		Headers:    headers,
		ClientAddr: clientAddr,
	}
	handle := e.store.Begin(reqRecord)

	outcome, respFraming, upstreamConn, reusableUpstream := e.forward(ctx, conn, cfg, reqLine, headers, clientFraming, reqCapture, handle, start, deadline)
	e.store.SetRequestBody(handle, reqCapture.Summary())

	if outcome.err != nil {
		kind := debugproxy.KindOf(outcome.err)
		e.store.Fail(handle, kind)
		e.metrics.ObserveOutcome(string(kind))
		logFn := e.logger.Warn
		if kind == debugproxy.ErrInternal {
			logFn = e.logger.Error
		}
		logFn("transaction failed",
			zap.String("kind", string(kind)),
			zap.String("method", reqLine.Method),
			zap.String("path", reqLine.Target),
			zap.Error(outcome.err))
		if code := kind.StatusCode(outcome.headersSent); code != 0 {
			_ = writeMessageHead(conn, "HTTP/1.1 "+strconv.Itoa(code)+" "+statusText(code), debugproxy.Headers{
				{Name: "Content-Length", Value: "0"},
				{Name: "Connection", Value: "close"},
			})
		}
		if upstreamConn != nil {
			e.pool.Release(upstreamConn, false)
		}
		return false, nil
	}

	respRecord := outcome.response
	respRecord.DurationMS = respRecord.Timestamp.Sub(start).Milliseconds()
	e.store.Complete(handle, *respRecord)
	e.metrics.ObserveOutcome("ok")
	e.metrics.ForwardDuration.Observe(time.Since(start).Seconds())

	if upstreamConn != nil {
		e.pool.Release(upstreamConn, reusableUpstream)
	}

	clientClose := wantsClose(reqLine.Version, headers) || wantsClose(reqLine.Version, debugproxy.Headers{{Name: "Connection", Value: respConnectionToken(respRecord.Headers)}})
	keepAlive = reqLine.Version == "HTTP/1.1" && !clientClose && framingIsClean(respFraming, respRecord.Status, reqLine.Method)
	return keepAlive, nil
}

func respConnectionToken(headers debugproxy.Headers) string {
	v, _ := headers.Get("Connection")
	return v
}

// framingIsClean reports whether the response's body delimiting was
// unambiguous, a precondition for treating the connection (to either
// peer) as safely reusable.
func framingIsClean(f framing, status int, method string) bool {
	if f.Chunked || f.ContentLength > 0 {
		return true
	}
	if method == "HEAD" || status == 204 || status == 304 || (status >= 100 && status < 200) {
		return true
	}
	return f.ContentLength == 0
}

func statusText(code int) string {
	if t := http.StatusText(code); t != "" {
		return t
	}
	return "Status"
}

// forwardResult carries the outcome of one attempt to forward a
// request to the upstream.
type forwardResult struct {
	err          error
	headersSent  bool
	response     *debugproxy.ResponseRecord
}

// forward dials or reuses an upstream connection, writes the request
// head and body, then reads back the response status, headers, and
// body. It returns the upstream connection used (nil if never
// acquired) and whether it is fit to return to the pool.
func (e *Engine) forward(ctx context.Context, clientConn net.Conn, cfg *debugproxy.Config, reqLine requestLine, reqHeaders debugproxy.Headers, clientFraming framing, reqCapture *debugproxy.BodyCapture, handle debugproxy.Handle, start, clientDeadline time.Time) (forwardResult, framing, net.Conn, bool) {
	// Step 4: await supervisor readiness, bounded by upstream_timeout,
	// itself bounded by whatever's left of the client deadline.
	readyDeadline := time.Now().Add(cfg.UpstreamTimeout())
	if clientDeadline.Before(readyDeadline) {
		readyDeadline = clientDeadline
	}
	readyCtx, cancel := context.WithDeadline(ctx, readyDeadline)
	err := e.sup.AwaitReady(readyCtx)
	cancel()
	if err != nil {
		kind := debugproxy.ErrUpstreamUnavailable
		if !time.Now().Before(clientDeadline) {
			kind = debugproxy.ErrClientTimeout
		}
		return forwardResult{err: debugproxy.Fail(kind, err)}, framing{}, nil, false
	}

	// Step 5: acquire a pooled upstream connection.
	acquireCtx, cancelAcquire := context.WithDeadline(ctx, readyDeadline)
	upstreamConn, err := e.pool.Acquire(acquireCtx)
	cancelAcquire()
	if err != nil {
		kind := debugproxy.ErrUpstreamUnavailable
		if !time.Now().Before(clientDeadline) {
			kind = debugproxy.ErrClientTimeout
		}
		return forwardResult{err: debugproxy.Fail(kind, err)}, framing{}, nil, false
	}

	outHeaders := appendForwardedFor(stripHopByHop(reqHeaders), clientAddrHost(clientConn))
	if clientFraming.Chunked {
		outHeaders = append(outHeaders, debugproxy.Header{Name: "Transfer-Encoding", Value: "chunked"})
	}

	_ = upstreamConn.SetWriteDeadline(clientDeadline)
	startLine := reqLine.Method + " " + reqLine.Target + " " + reqLine.Version
	if err := writeMessageHead(upstreamConn, startLine, outHeaders); err != nil {
		return forwardResult{err: debugproxy.Fail(debugproxy.ErrUpstreamIO, err)}, framing{}, upstreamConn, false
	}

	// Step 6: stream the request body.
	outFraming := framing{ContentLength: clientFraming.ContentLength, Chunked: clientFraming.Chunked}
	if err := writeBody(upstreamConn, outFraming, reqCapture); err != nil {
		kind := debugproxy.KindOf(err)
		if kind == debugproxy.ErrInternal {
			kind = debugproxy.ErrUpstreamIO
		}
		return forwardResult{err: debugproxy.Fail(kind, err)}, framing{}, upstreamConn, false
	}

	// Step 7: await response status line, bounded by upstream_timeout
	// (tightened further by whatever's left of the client deadline).
	headerDeadline := time.Now().Add(cfg.UpstreamTimeout())
	if clientDeadline.Before(headerDeadline) {
		headerDeadline = clientDeadline
	}
	_ = upstreamConn.SetReadDeadline(headerDeadline)

	ubr := bufio.NewReader(upstreamConn)
	status, err := readStatusLine(ubr)
	if err != nil {
		kind := debugproxy.ErrUpstreamTimeout
		if isTimeout(err) && !time.Now().Before(clientDeadline) {
			kind = debugproxy.ErrClientTimeout
		} else if !isTimeout(err) {
			kind = debugproxy.ErrUpstreamIO
		}
		return forwardResult{err: debugproxy.Fail(kind, err)}, framing{}, upstreamConn, false
	}
	respHeadersRaw, err := readHeaderList(ubr)
	if err != nil {
		kind := debugproxy.ErrUpstreamIO
		if isTimeout(err) {
			kind = debugproxy.ErrUpstreamTimeout
			if !time.Now().Before(clientDeadline) {
				kind = debugproxy.ErrClientTimeout
			}
		}
		return forwardResult{err: debugproxy.Fail(kind, err)}, framing{}, upstreamConn, false
	}

	// Step 8: forward status + headers to the client, then stream the
	// response body, bounded for the rest of its life by the client
	// deadline only (already set on clientConn).
	_ = upstreamConn.SetReadDeadline(clientDeadline)
	respFraming := bodyFraming(respHeadersRaw)
	clientOutHeaders := stripHopByHop(respHeadersRaw)
	if respFraming.Chunked {
		clientOutHeaders = append(clientOutHeaders, debugproxy.Header{Name: "Transfer-Encoding", Value: "chunked"})
	}

	respStartLine := status.Version + " " + strconv.Itoa(status.Status) + " " + status.Reason
	if err := writeMessageHead(clientConn, respStartLine, clientOutHeaders); err != nil {
		return forwardResult{err: debugproxy.Fail(debugproxy.ErrClientIO, err), headersSent: false}, respFraming, upstreamConn, false
	}

	ctBody, _ := respHeadersRaw.Get("Content-Type")
	respBodySrc := bodyReader(ubr, framing{ContentLength: respFraming.ContentLength, Chunked: respFraming.Chunked})
	respCapture := debugproxy.NewBodyCapture(respBodySrc, ctBody, cfg.MaxBodySize, cfg.TruncateBodyAt)

	outClientFraming := framing{ContentLength: respFraming.ContentLength, Chunked: respFraming.Chunked}
	if err := writeBody(clientConn, outClientFraming, respCapture); err != nil {
		kind := debugproxy.KindOf(err)
		if kind == debugproxy.ErrInternal {
			if isTimeout(err) {
				kind = debugproxy.ErrClientTimeout
			} else {
				kind = debugproxy.ErrClientIO
			}
		}
		return forwardResult{err: debugproxy.Fail(kind, err), headersSent: true}, respFraming, upstreamConn, false
	}

	respRecord := &debugproxy.ResponseRecord{
		ID:        string(handle),
		Timestamp: time.Now(),
		Status:    status.Status,
		Version:   status.Version,
		Headers:   respHeadersRaw,
		Body:      respCapture.Summary(),
	}

	upstreamReusable := !wantsClose(status.Version, respHeadersRaw) && framingIsClean(respFraming, status.Status, reqLine.Method)
	return forwardResult{response: respRecord}, respFraming, upstreamConn, upstreamReusable
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// clientAddrHost strips the port from conn's remote address for the
// X-Forwarded-For value, falling back to the full address if that
// fails.
func clientAddrHost(conn net.Conn) string {
	addr := conn.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// handleAdmin bridges one request under /_proxy to the admin
// http.Handler. Admin requests are never recorded as Transactions.
// For simplicity the admin surface always closes the connection
// afterward; it is a low-traffic control path, not the hot forwarding
// path the rest of the engine optimizes for.
func (e *Engine) handleAdmin(conn net.Conn, reqLine requestLine, headers debugproxy.Headers, rawBody io.Reader, clientAddr string) (bool, error) {
	if e.admin == nil {
		_ = writeMessageHead(conn, "HTTP/1.1 404 Not Found", debugproxy.Headers{
			{Name: "Content-Length", Value: "0"},
			{Name: "Connection", Value: "close"},
		})
		return false, nil
	}

	u, err := url.ParseRequestURI(reqLine.Target)
	if err != nil {
		_ = writeMessageHead(conn, "HTTP/1.1 400 Bad Request", debugproxy.Headers{
			{Name: "Content-Length", Value: "0"},
			{Name: "Connection", Value: "close"},
		})
		return false, nil
	}
	// The admin handler is mounted at the filesystem root; strip the
	// reserved prefix the engine used to route here in the first place.
	u.Path = strings.TrimPrefix(u.Path, adminPrefix)
	if u.Path == "" {
		u.Path = "/"
	}

	body := io.LimitReader(rawBody, 1<<20)
	httpReq, err := http.NewRequest(reqLine.Method, u.String(), body)
	if err != nil {
		_ = writeMessageHead(conn, "HTTP/1.1 500 Internal Server Error", debugproxy.Headers{
			{Name: "Content-Length", Value: "0"},
			{Name: "Connection", Value: "close"},
		})
		return false, nil
	}
	httpReq.Header = make(http.Header)
	for _, h := range headers {
		httpReq.Header.Add(h.Name, h.Value)
	}
	httpReq.RemoteAddr = clientAddr
	if host, ok := headers.Get("Host"); ok {
		httpReq.Host = host
	}

	rec := httptest.NewRecorder()
	e.admin.ServeHTTP(rec, httpReq)

	result := rec.Result()
	defer result.Body.Close()
	body2, _ := io.ReadAll(result.Body)

	respHeaders := make(debugproxy.Headers, 0, len(result.Header)+2)
	for name, values := range result.Header {
		for _, v := range values {
			respHeaders = append(respHeaders, debugproxy.Header{Name: name, Value: v})
		}
	}
	respHeaders = append(respHeaders, debugproxy.Header{Name: "Content-Length", Value: strconv.Itoa(len(body2))})
	respHeaders = append(respHeaders, debugproxy.Header{Name: "Connection", Value: "close"})

	startLine := "HTTP/1.1 " + strconv.Itoa(result.StatusCode) + " " + statusText(result.StatusCode)
	if err := writeMessageHead(conn, startLine, respHeaders); err != nil {
		return false, err
	}
	_, err = conn.Write(body2)
	return false, err
}
