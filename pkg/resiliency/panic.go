/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package resiliency

import (
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
)

// ErrPanic marks errors produced from recovered panics.
var ErrPanic = errors.New("panic")

// Logs a panic value and associated call stack and returns it as an error.
// The returned error wraps ErrPanic and is permanent, so retry loops stop on it.
// Returns nil if panicVal is nil (no panic happened).
func MakePanicError(panicVal any, log logr.Logger) error {
	if panicVal == nil {
		return nil
	}

	var panicErr error
	if valErr, isError := panicVal.(error); isError {
		panicErr = fmt.Errorf("%w: %w", ErrPanic, valErr)
	} else {
		panicErr = fmt.Errorf("%w: %v", ErrPanic, panicVal)
	}

	if log.GetSink() != nil {
		log.Error(panicErr, "A goroutine ended prematurely due to panic", "stack", string(debug.Stack()))
	}

	return backoff.Permanent(panicErr)
}

// PanicMessage returns the text of the value passed to panic(), without the ErrPanic prefix.
func PanicMessage(panicVal any) string {
	switch v := panicVal.(type) {
	case nil:
		return ""
	case error:
		return v.Error()
	case string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}
