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
	"io"
	"strings"
	"unicode/utf8"
)

// BodyCapture wraps a body's source reader so that every byte pulled
// through it (by whatever copies it onward, one transport-sized chunk
// at a time) is also counted and, up to a cap, retained for display.
// It introduces no buffering of its own beyond the chunk the caller
// already passed in: Read only inspects and forwards what it's given.
type BodyCapture struct {
	src         io.Reader
	maxBody     uint32
	truncateAt  uint32
	contentType string
	textual     bool

	preview []byte
	size    uint64
}

// NewBodyCapture wraps src. contentTypeHeader (possibly empty) drives
// the one-time textual/binary classification.
func NewBodyCapture(src io.Reader, contentTypeHeader string, maxBody, truncateAt uint32) *BodyCapture {
	ct, textual := classifyContentType(contentTypeHeader)
	cap := truncateAt
	if cap > 4096 {
		cap = 4096
	}
	return &BodyCapture{
		src:         src,
		maxBody:     maxBody,
		truncateAt:  truncateAt,
		contentType: ct,
		textual:     textual,
		preview:     make([]byte, 0, cap),
	}
}

// Read implements io.Reader. Once the running total exceeds maxBody,
// Read returns a *ProxyError with ErrBodyTooLarge (after forwarding
// the bytes it already read this call, so a caller streaming straight
// through still sees exactly what crossed the wire up to the cap).
func (b *BodyCapture) Read(p []byte) (int, error) {
	n, err := b.src.Read(p)
	if n > 0 {
		b.observe(p[:n])
		if b.size > uint64(b.maxBody) {
			if err == nil || err == io.EOF {
				err = Fail(ErrBodyTooLarge, fmt.Errorf("body exceeded max_body_size (%d bytes)", b.maxBody))
			}
		}
	}
	return n, err
}

// Close releases the underlying source if it is an io.Closer.
func (b *BodyCapture) Close() error {
	if c, ok := b.src.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (b *BodyCapture) observe(chunk []byte) {
	if uint64(len(b.preview)) < uint64(b.truncateAt) {
		remain := uint64(b.truncateAt) - uint64(len(b.preview))
		take := uint64(len(chunk))
		if take > remain {
			take = remain
		}
		b.preview = append(b.preview, chunk[:take]...)
	}
	b.size += uint64(len(chunk))
}

// Summary finalizes a BodySummary from everything observed so far,
// including after a partial or aborted read.
func (b *BodyCapture) Summary() BodySummary {
	var preview string
	if b.textual {
		preview = decodeUTF8Lenient(b.preview)
	}
	return BodySummary{
		ContentType: b.contentType,
		IsBinary:    !b.textual,
		Size:        b.size,
		Preview:     preview,
	}
}

// decodeUTF8Lenient decodes b as UTF-8, substituting the replacement
// character for any invalid sequence rather than failing.
func decodeUTF8Lenient(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	var sb strings.Builder
	sb.Grow(len(b))
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		sb.WriteRune(r)
		b = b[size:]
	}
	return sb.String()
}
