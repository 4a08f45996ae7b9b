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
	"encoding/base32"
	"encoding/binary"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// idEncoding is a Crockford-style base32 without padding, chosen so
// that byte-lexicographic order matches time order (no ambiguous
// characters, uppercase only).
var idEncoding = base32.NewEncoding("0123456789ABCDEFGHJKMNPQRSTVWXYZ").WithPadding(base32.NoPadding)

var idSeq atomic.Uint32

// NewTransactionID returns a monotonically sortable identifier: a
// 48-bit millisecond timestamp, a 16-bit rollover-safe sequence
// counter to break ties within the same millisecond, and 8 random
// bytes sourced from uuid.New() for global uniqueness across
// restarts. The result sorts the same whether compared as bytes or
// as the returned base32 string.
func NewTransactionID() string {
	var buf [16]byte
	ms := uint64(time.Now().UnixMilli())
	buf[0] = byte(ms >> 40)
	buf[1] = byte(ms >> 32)
	buf[2] = byte(ms >> 24)
	buf[3] = byte(ms >> 16)
	buf[4] = byte(ms >> 8)
	buf[5] = byte(ms)

	seq := idSeq.Add(1)
	binary.BigEndian.PutUint16(buf[6:8], uint16(seq))

	random := uuid.New()
	copy(buf[8:], random[:8])

	return idEncoding.EncodeToString(buf[:])
}
