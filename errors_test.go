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
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf_UnwrapsWrappedProxyError(t *testing.T) {
	base := Fail(ErrUpstreamTimeout, errors.New("dial timed out"))
	wrapped := fmt.Errorf("forwarding request: %w", base)
	assert.Equal(t, ErrUpstreamTimeout, KindOf(wrapped))
}

func TestKindOf_PlainErrorIsInternal(t *testing.T) {
	assert.Equal(t, ErrInternal, KindOf(errors.New("boom")))
}

func TestErrorKind_StatusCode(t *testing.T) {
	cases := []struct {
		kind        ErrorKind
		headersSent bool
		want        int
	}{
		{ErrBadRequest, false, 400},
		{ErrUpstreamUnavailable, false, 502},
		{ErrUpstreamTimeout, false, 504},
		{ErrBodyTooLarge, false, 413},
		{ErrBodyTooLarge, true, 0},
		{ErrUpstreamIO, true, 0},
		{ErrUpstreamIO, false, 502},
		{ErrClientTimeout, false, 0},
		{ErrClientTimeout, true, 0},
		{ErrInternal, false, 500},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, c.kind.StatusCode(c.headersSent), "kind=%s headersSent=%v", c.kind, c.headersSent)
	}
}
