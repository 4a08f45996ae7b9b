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
)

// ErrorKind classifies why a Transaction terminated without a response,
// per the error-to-response mapping a proxy engine is expected to apply.
type ErrorKind string

const (
	ErrBadRequest         ErrorKind = "bad_request"
	ErrUpstreamUnavailable ErrorKind = "upstream_unavailable"
	ErrUpstreamTimeout    ErrorKind = "upstream_timeout"
	ErrClientTimeout      ErrorKind = "client_timeout"
	ErrBodyTooLarge       ErrorKind = "body_too_large"
	ErrUpstreamIO         ErrorKind = "upstream_io"
	ErrClientIO           ErrorKind = "client_io"
	ErrInternal           ErrorKind = "internal"
)

// StatusCode reports the client-visible HTTP status this error kind maps
// to, or 0 if the connection must simply be aborted instead (headers
// already sent, or the client timeout expired).
func (k ErrorKind) StatusCode(headersSent bool) int {
	switch k {
	case ErrBadRequest:
		return 400
	case ErrUpstreamUnavailable:
		return 502
	case ErrUpstreamTimeout:
		return 504
	case ErrBodyTooLarge:
		if headersSent {
			return 0
		}
		return 413
	case ErrUpstreamIO, ErrClientIO:
		if headersSent {
			return 0
		}
		return 502
	case ErrClientTimeout:
		// Exceeding the outer client_timeout_ms contract severs both
		// sides outright; there is no client-visible status to send.
		return 0
	default:
		if headersSent {
			return 0
		}
		return 500
	}
}

// ProxyError wraps an underlying cause with the kind under which a
// Transaction should be failed.
type ProxyError struct {
	Kind ErrorKind
	Err  error
}

func (e *ProxyError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ProxyError) Unwrap() error { return e.Err }

// Fail builds a *ProxyError of the given kind wrapping err.
func Fail(kind ErrorKind, err error) *ProxyError {
	return &ProxyError{Kind: kind, Err: err}
}

// KindOf extracts the ErrorKind from err if it is (or wraps) a
// *ProxyError, otherwise returns ErrInternal.
func KindOf(err error) ErrorKind {
	var pe *ProxyError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ErrInternal
}
