// SPDX-License-Identifier: Apache-2.0

package domain

import "errors"

var ErrUnregisteredEventType = errors.New("event type not registered")
var ErrInvalidScope = errors.New("append scope is incomplete")
var ErrEventNotFound = errors.New("event record not found")

// PersistenceError wraps a failed event-record write. It propagates to the
// business caller, whose transaction must then roll back so state and
// events never diverge.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return "event persistence failed during " + e.Op + ": " + e.Err.Error()
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// PublishError wraps a failed bus publish. Always treated as transient and
// retried through the failed→pending→reclaim cycle, bounded by maxAttempts.
type PublishError struct {
	Topic string
	Err   error
}

func (e *PublishError) Error() string {
	return "publish to " + e.Topic + " failed: " + e.Err.Error()
}

func (e *PublishError) Unwrap() error { return e.Err }
