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
	"strings"

	debugproxy "github.com/YouXam/debug-proxy"
)

// hopByHop is the fixed set of headers scoped to a single transport
// hop and therefore stripped before re-transmission in either
// direction.
var hopByHop = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"te":                  true,
	"trailers":            true,
	"transfer-encoding":   true,
	"upgrade":             true,
}

// stripHopByHop returns a copy of headers with every hop-by-hop field
// removed, including any field named in the message's own Connection
// header value(s).
func stripHopByHop(headers debugproxy.Headers) debugproxy.Headers {
	extra := map[string]bool{}
	for _, h := range headers {
		if strings.EqualFold(h.Name, "Connection") {
			for _, tok := range strings.Split(h.Value, ",") {
				tok = strings.ToLower(strings.TrimSpace(tok))
				if tok != "" {
					extra[tok] = true
				}
			}
		}
	}

	out := make(debugproxy.Headers, 0, len(headers))
	for _, h := range headers {
		lower := strings.ToLower(h.Name)
		if hopByHop[lower] || extra[lower] {
			continue
		}
		out = append(out, h)
	}
	return out
}

// wantsClose reports whether the message's (already-stripped-aware)
// original headers asked for the connection to close: explicitly via
// "Connection: close", or implicitly by being HTTP/1.0 without
// "Connection: keep-alive".
func wantsClose(version string, headers debugproxy.Headers) bool {
	conn, hasConn := headers.Get("Connection")
	tokens := map[string]bool{}
	if hasConn {
		for _, tok := range strings.Split(conn, ",") {
			tokens[strings.ToLower(strings.TrimSpace(tok))] = true
		}
	}
	if tokens["close"] {
		return true
	}
	if version == "HTTP/1.0" {
		return !tokens["keep-alive"]
	}
	return false
}

// appendForwardedFor returns headers with X-Forwarded-For set to the
// original value (if any) plus clientAddr appended.
func appendForwardedFor(headers debugproxy.Headers, clientAddr string) debugproxy.Headers {
	out := make(debugproxy.Headers, 0, len(headers)+1)
	found := false
	for _, h := range headers {
		if strings.EqualFold(h.Name, "X-Forwarded-For") {
			h.Value = h.Value + ", " + clientAddr
			found = true
		}
		out = append(out, h)
	}
	if !found {
		out = append(out, debugproxy.Header{Name: "X-Forwarded-For", Value: clientAddr})
	}
	return out
}
