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

// Package engine implements the request-forwarding core of DebugProxy:
// accepting client connections, streaming requests to the configured
// upstream under a dual-timeout regime, and recording the result.
//
// The wire-level parsing here is hand-rolled rather than built on
// net/http.Server because the proxy's whole purpose is to preserve and
// display exactly what went over the wire (ordered, case-preserved
// header lists; precise byte counts; a distinction between a
// malformed message and one net/http would have silently rejected
// before a handler ever saw it).
package engine

import (
	"bufio"
	"fmt"
	"io"
	"net/http/httputil"
	"strconv"
	"strings"

	debugproxy "github.com/YouXam/debug-proxy"
	"golang.org/x/net/http/httpguts"
)

const maxHeaderLineLen = 64 * 1024

// readLine reads one CRLF- or LF-terminated line, with the terminator
// stripped, bounded to maxHeaderLineLen to avoid unbounded memory use
// from a misbehaving peer.
func readLine(br *bufio.Reader) (string, error) {
	var buf []byte
	for {
		frag, err := br.ReadSlice('\n')
		if len(buf)+len(frag) > maxHeaderLineLen {
			return "", fmt.Errorf("header line too long")
		}
		buf = append(buf, frag...)
		if err == bufio.ErrBufferFull {
			continue
		}
		if err != nil {
			return "", err
		}
		break
	}
	line := strings.TrimSuffix(string(buf), "\n")
	line = strings.TrimSuffix(line, "\r")
	return line, nil
}

// requestLine is the parsed start-line of an HTTP request.
type requestLine struct {
	Method  string
	Target  string
	Version string
}

// readRequestLine reads and validates "METHOD target HTTP/x.y". A
// blank line before the request line (common between pipelined
// requests per RFC 7230 §3.5) is skipped.
func readRequestLine(br *bufio.Reader) (requestLine, error) {
	var line string
	for {
		l, err := readLine(br)
		if err != nil {
			return requestLine{}, err
		}
		if l != "" {
			line = l
			break
		}
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return requestLine{}, fmt.Errorf("malformed request line %q", line)
	}
	method, target, version := parts[0], parts[1], parts[2]
	if !validVersion(version) {
		return requestLine{}, fmt.Errorf("unsupported HTTP version %q", version)
	}
	if !validToken(method) || target == "" {
		return requestLine{}, fmt.Errorf("malformed request line %q", line)
	}
	return requestLine{Method: method, Target: target, Version: version}, nil
}

// statusLine is the parsed start-line of an HTTP response.
type statusLine struct {
	Version string
	Status  int
	Reason  string
}

func readStatusLine(br *bufio.Reader) (statusLine, error) {
	line, err := readLine(br)
	if err != nil {
		return statusLine{}, err
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return statusLine{}, fmt.Errorf("malformed status line %q", line)
	}
	if !validVersion(parts[0]) {
		return statusLine{}, fmt.Errorf("unsupported HTTP version %q", parts[0])
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil || code < 100 || code > 999 {
		return statusLine{}, fmt.Errorf("malformed status code in %q", line)
	}
	reason := ""
	if len(parts) == 3 {
		reason = parts[2]
	}
	return statusLine{Version: parts[0], Status: code, Reason: reason}, nil
}

func validVersion(v string) bool {
	return v == "HTTP/1.0" || v == "HTTP/1.1"
}

func validToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !httpguts.IsTokenRune(rune(s[i])) {
			return false
		}
	}
	return true
}

// readHeaderList reads header fields up to and including the blank
// line that terminates them, preserving order and casing exactly as
// received. Obsolete line-folding (RFC 7230 §3.2.4) is rejected as
// malformed, matching modern HTTP parser behavior.
func readHeaderList(br *bufio.Reader) (debugproxy.Headers, error) {
	var headers debugproxy.Headers
	for {
		line, err := readLine(br)
		if err != nil {
			return nil, err
		}
		if line == "" {
			return headers, nil
		}
		if line[0] == ' ' || line[0] == '\t' {
			return nil, fmt.Errorf("obsolete line folding is not supported")
		}
		idx := strings.IndexByte(line, ':')
		if idx <= 0 {
			return nil, fmt.Errorf("malformed header line %q", line)
		}
		name := line[:idx]
		value := strings.TrimSpace(line[idx+1:])
		if !httpguts.ValidHeaderFieldName(name) || !httpguts.ValidHeaderFieldValue(value) {
			return nil, fmt.Errorf("invalid header field %q", name)
		}
		headers = append(headers, debugproxy.Header{Name: name, Value: value})
	}
}

// writeMessageHead writes a CRLF-terminated start line plus every
// header in order, followed by the blank line that ends the head.
func writeMessageHead(w io.Writer, startLine string, headers debugproxy.Headers) error {
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(startLine + "\r\n"); err != nil {
		return err
	}
	for _, h := range headers {
		if _, err := bw.WriteString(h.Name + ": " + h.Value + "\r\n"); err != nil {
			return err
		}
	}
	if _, err := bw.WriteString("\r\n"); err != nil {
		return err
	}
	return bw.Flush()
}

// framing describes how a message body is delimited on the wire.
type framing struct {
	ContentLength int64 // -1 when chunked; 0 when no length is given
	Chunked       bool
}

// bodyFraming inspects Content-Length and Transfer-Encoding to
// determine how to read/write the body that follows headers. Absence
// of both implies a zero-length body.
func bodyFraming(headers debugproxy.Headers) framing {
	if te, ok := headers.Get("Transfer-Encoding"); ok && strings.EqualFold(strings.TrimSpace(lastToken(te)), "chunked") {
		return framing{ContentLength: -1, Chunked: true}
	}
	if cl, ok := headers.Get("Content-Length"); ok {
		if n, err := strconv.ParseInt(strings.TrimSpace(cl), 10, 64); err == nil && n >= 0 {
			return framing{ContentLength: n, Chunked: false}
		}
	}
	return framing{ContentLength: 0, Chunked: false}
}

func lastToken(commaList string) string {
	parts := strings.Split(commaList, ",")
	return strings.TrimSpace(parts[len(parts)-1])
}

// bodyReader returns a reader over exactly the bytes of one message
// body, given its framing, reading from br.
func bodyReader(br *bufio.Reader, f framing) io.Reader {
	switch {
	case f.Chunked:
		return httputil.NewChunkedReader(br)
	case f.ContentLength > 0:
		return io.LimitReader(br, f.ContentLength)
	default:
		return io.LimitReader(br, 0)
	}
}

// writeBody copies src to dst using the given outbound framing: when
// chunked, src is re-chunked; otherwise it is copied verbatim (the
// Content-Length header, if any, was already written as part of the
// head and must match what src yields).
func writeBody(dst io.Writer, f framing, src io.Reader) error {
	if f.Chunked {
		cw := httputil.NewChunkedWriter(dst)
		if _, err := io.Copy(cw, src); err != nil {
			return err
		}
		return cw.Close()
	}
	_, err := io.Copy(dst, src)
	return err
}
