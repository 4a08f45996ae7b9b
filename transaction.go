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
	"mime"
	"strings"
	"time"
)

// Header is a single ordered, multi-valued header field as observed on
// the wire; Name preserves the client/upstream's original casing.
type Header struct {
	Name  string
	Value string
}

// Headers is an ordered header list: case preserved for
// display, compared case-insensitively when looked up.
type Headers []Header

// Get returns the first value for name (case-insensitive), and
// whether it was present.
func (h Headers) Get(name string) (string, bool) {
	for _, kv := range h {
		if strings.EqualFold(kv.Name, name) {
			return kv.Value, true
		}
	}
	return "", false
}

// textualSubtypes lists the MIME subtypes (beyond text/*) that are
// treated as textual rather than binary for preview purposes.
var textualSubtypes = map[string]bool{
	"application/json":                  true,
	"application/xml":                   true,
	"application/x-www-form-urlencoded": true,
	"application/javascript":            true,
	"application/ld+json":               true,
	"application/yaml":                  true,
}

// BodySummary captures what the proxy observed about a forwarded body
// without holding the whole thing in memory.
type BodySummary struct {
	ContentType string `json:"content_type"`
	IsBinary    bool   `json:"is_binary"`
	Size        uint64 `json:"size"`
	Preview     string `json:"preview"`
}

// classifyContentType lowercases and strips parameters (e.g. charset)
// from a raw Content-Type header value, and reports whether the
// resulting MIME type should be treated as textual.
func classifyContentType(raw string) (contentType string, textual bool) {
	if raw == "" {
		// Absent Content-Type is treated as binary, never textual.
		return "", false
	}
	mediaType, _, err := mime.ParseMediaType(raw)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(strings.SplitN(raw, ";", 2)[0]))
	}
	if strings.HasPrefix(mediaType, "text/") || textualSubtypes[mediaType] {
		return mediaType, true
	}
	return mediaType, false
}

// RequestRecord is the captured shape of one client request.
type RequestRecord struct {
	ID         string      `json:"id"`
	Timestamp  time.Time   `json:"timestamp"`
	Method     string      `json:"method"`
	Path       string      `json:"path"`
	Version    string      `json:"version"`
	Headers    Headers     `json:"headers"`
	Body       BodySummary `json:"body"`
	ClientAddr string      `json:"client_addr"`
}

// ResponseRecord is the captured shape of one upstream response.
type ResponseRecord struct {
	ID         string      `json:"id"`
	Timestamp  time.Time   `json:"timestamp"`
	Status     int         `json:"status"`
	Version    string      `json:"version"`
	Headers    Headers     `json:"headers"`
	Body       BodySummary `json:"body"`
	DurationMS int64       `json:"duration_ms"`
}

// Transaction pairs a request with, eventually, exactly one of a
// response or a terminal error. Both nil/empty means in-flight.
type Transaction struct {
	ID       string
	Request  RequestRecord
	Response *ResponseRecord
	Error    string
}

// InFlight reports whether the transaction has not yet terminated.
func (t *Transaction) InFlight() bool {
	return t.Response == nil && t.Error == ""
}
