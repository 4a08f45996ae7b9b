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
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBodyCapture_TextualPreview(t *testing.T) {
	src := strings.NewReader("hello world")
	bc := NewBodyCapture(src, "text/plain", 1<<20, 1024)

	n, err := io.Copy(io.Discard, bc)
	require.NoError(t, err)
	assert.Equal(t, int64(11), n)

	sum := bc.Summary()
	assert.False(t, sum.IsBinary)
	assert.Equal(t, "hello world", sum.Preview)
	assert.Equal(t, uint64(11), sum.Size)
}

func TestBodyCapture_BinaryNoPreview(t *testing.T) {
	src := strings.NewReader("\x00\x01\x02binary")
	bc := NewBodyCapture(src, "application/octet-stream", 1<<20, 1024)

	_, err := io.Copy(io.Discard, bc)
	require.NoError(t, err)

	sum := bc.Summary()
	assert.True(t, sum.IsBinary)
	assert.Equal(t, "", sum.Preview)
}

func TestBodyCapture_PreviewTruncatedAtCap(t *testing.T) {
	src := strings.NewReader(strings.Repeat("a", 100))
	bc := NewBodyCapture(src, "text/plain", 1<<20, 10)

	_, err := io.Copy(io.Discard, bc)
	require.NoError(t, err)

	sum := bc.Summary()
	assert.Equal(t, uint64(100), sum.Size)
	assert.Equal(t, strings.Repeat("a", 10), sum.Preview)
}

func TestBodyCapture_AbortsPastMaxBodySize(t *testing.T) {
	src := strings.NewReader(strings.Repeat("a", 100))
	bc := NewBodyCapture(src, "text/plain", 50, 10)

	_, err := io.Copy(io.Discard, bc)
	require.Error(t, err)
	assert.Equal(t, ErrBodyTooLarge, KindOf(err))

	var pe *ProxyError
	assert.True(t, errors.As(err, &pe))
}

func TestBodyCapture_AbsentContentTypeIsBinary(t *testing.T) {
	bc := NewBodyCapture(strings.NewReader("x"), "", 1<<20, 1024)
	_, _ = io.Copy(io.Discard, bc)
	assert.True(t, bc.Summary().IsBinary)
}
