// Copyright 2025 Valka Team
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package worker

import "github.com/pkg/errors"

// HandlerError lets a handler control whether its failure is retried.
// Any other error returned by a handler counts as retryable.
type HandlerError struct {
	Message   string
	Retryable bool
}

func (e *HandlerError) Error() string {
	return e.Message
}

// Fail returns a retryable handler failure.
func Fail(message string) *HandlerError {
	return &HandlerError{Message: message, Retryable: true}
}

// FailPermanent returns a handler failure that goes straight to the
// dead letter queue without further attempts, whatever server-side
// retry budget remains.
func FailPermanent(message string) *HandlerError {
	return &HandlerError{Message: message, Retryable: false}
}

// retryable reports how a handler error should be surfaced in the
// task result frame.
func retryable(err error) bool {
	var he *HandlerError
	if errors.As(err, &he) {
		return he.Retryable
	}
	return true
}
