// Copyright 2025-2026 The roomsync Authors
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

package common

import (
	"fmt"
)

// ChannelError indicates a transport level failure on a change event channel. It is
// retryable through the reconnect path.
type ChannelError struct {
	// Channel is the ID of the channel which failed
	Channel string
	// Err is the underlying transport failure
	Err error
}

// Error implements error
func (e ChannelError) Error() string {
	return fmt.Sprintf("channel %s transport failure: %s", e.Channel, e.Err)
}

// Unwrap supports errors.Is / errors.As
func (e ChannelError) Unwrap() error {
	return e.Err
}

// TimeoutError indicates a channel handshake never completed within the allowed
// period. It is retryable through the reconnect path.
type TimeoutError struct {
	// Channel is the ID of the channel which timed out
	Channel string
	// Stage describes what was being waited on
	Stage string
}

// Error implements error
func (e TimeoutError) Error() string {
	return fmt.Sprintf("channel %s timed out during %s", e.Channel, e.Stage)
}

// ListenerError indicates a downstream listener callback failed. It is recorded for
// logging only, and must never propagate back into an event loop.
type ListenerError struct {
	// Listener names the listener which failed
	Listener string
	// Recovered is the value recovered from the listener panic
	Recovered interface{}
}

// Error implements error
func (e ListenerError) Error() string {
	return fmt.Sprintf("listener %s callback failed: %v", e.Listener, e.Recovered)
}
