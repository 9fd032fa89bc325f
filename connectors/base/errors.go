// Copyright 2025 AxonFlow
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

package base

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrorKind is the recovery-relevant class of an adapter failure
type ErrorKind string

const (
	KindSourceTimeout     ErrorKind = "source_timeout"
	KindTransientNetwork  ErrorKind = "transient_network_error"
	KindSourceUnavailable ErrorKind = "source_unavailable"
)

// SourceError is the only error type adapters hand back to the engine
type SourceError struct {
	Source  string
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *SourceError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s: %v", e.Source, e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Source, e.Kind, e.Message)
}

func (e *SourceError) Unwrap() error {
	return e.Cause
}

// NewSourceError creates a new source error
func NewSourceError(source string, kind ErrorKind, message string, cause error) *SourceError {
	return &SourceError{
		Source:  source,
		Kind:    kind,
		Message: message,
		Cause:   cause,
	}
}

// transientPatterns are driver and transport messages that indicate a
// retryable condition on the same source.
var transientPatterns = []string{
	"connection reset",
	"connection timed out",
	"broken pipe",
	"temporary failure",
	"too many requests",
	"rate limit",
	"429",
	"504",
	"i/o timeout",
	"unexpected eof",
}

// unavailablePatterns mean the source itself is down and a different source
// should be tried instead of the same one again.
var unavailablePatterns = []string{
	"connection refused",
	"no such host",
	"service unavailable",
	"503",
	"circuit breaker",
}

// ClassifyError maps a raw driver or transport error onto a SourceError.
// An error that is already a SourceError is returned unchanged.
func ClassifyError(source string, err error) *SourceError {
	if err == nil {
		return nil
	}

	var srcErr *SourceError
	if errors.As(err, &srcErr) {
		return srcErr
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return NewSourceError(source, KindSourceTimeout, "deadline exceeded", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewSourceError(source, KindSourceTimeout, "network timeout", err)
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range unavailablePatterns {
		if strings.Contains(msg, pattern) {
			return NewSourceError(source, KindSourceUnavailable, "source unavailable", err)
		}
	}
	for _, pattern := range transientPatterns {
		if strings.Contains(msg, pattern) {
			return NewSourceError(source, KindTransientNetwork, "transient failure", err)
		}
	}

	return NewSourceError(source, KindSourceUnavailable, "execution failed", err)
}

// IsKind reports whether err carries a SourceError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var srcErr *SourceError
	return errors.As(err, &srcErr) && srcErr.Kind == kind
}
