// Copyright 2026 The gVisor Authors.
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

package dirtyring

import (
	"errors"
	"fmt"
)

var (
	// ErrBusy is returned by Push when the ring is soft full and the caller
	// does not own it. The caller should retry once the ring was reset.
	ErrBusy = errors.New("dirty ring busy")

	// ErrInvalidRange is returned by Reset when the published fetch index
	// claims entries that were never pushed or that exceed the ring size.
	ErrInvalidRange = errors.New("dirty ring fetch index out of range")

	// ErrInvalidSize indicates a ring size that does not convert to a valid
	// power-of-two entry count.
	ErrInvalidSize = errors.New("invalid dirty ring size")
)

// AllocationError is returned when a ring cannot be created.
type AllocationError struct {
	// Index is the index of the ring that failed.
	Index int

	// SizeBytes is the requested ring size.
	SizeBytes uint32

	// Err is the underlying error.
	Err error
}

// Error implements error.Error.
func (e *AllocationError) Error() string {
	return fmt.Sprintf("failed to allocate dirty ring %d (%d bytes): %v", e.Index, e.SizeBytes, e.Err)
}

// Unwrap returns the underlying error.
func (e *AllocationError) Unwrap() error {
	return e.Err
}
