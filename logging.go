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
	"sync/atomic"

	"go.uber.org/zap"
)

// defaultLogger backs Log(); stored atomically so SetLogger can be
// called once at startup (or swapped in tests) without a mutex on the
// read path.
var defaultLogger atomic.Pointer[zap.Logger]

func init() {
	l, _ := zap.NewProduction()
	defaultLogger.Store(l)
}

// Log returns the current process-wide structured logger. Never nil.
func Log() *zap.Logger {
	return defaultLogger.Load()
}

// SetLogger replaces the process-wide logger, e.g. to switch to a
// development (console) encoder under --debug, or to inject a test
// observer.
func SetLogger(l *zap.Logger) {
	defaultLogger.Store(l)
}

// NewLogger builds the production or development logger depending on
// debug.
func NewLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
