// Copyright 2026 The uvmd Authors.
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

// Package status holds the standardized error definitions for the driver
// core. Errors are exported as sentinel pointers so that comparison is a
// pointer equality check, comparable to errno constants.
package status

// Code identifies a class of driver error for host-visible translation.
type Code uint32

// Driver error codes.
const (
	CodeOK Code = iota
	CodeNoMemory
	CodeAddressInUse
	CodeBusyRetry
	CodeInvalidState
	CodeAccessViolation
	CodeInvalidArgument
	CodeMoreProcessing
)

// Error represents a driver error code with a descriptive message.
type Error struct {
	code    Code
	message string
}

// New creates a new *Error.
func New(code Code, message string) *Error {
	return &Error{
		code:    code,
		message: message,
	}
}

// Error implements error.Error.
func (e *Error) Error() string { return e.message }

// Code returns the underlying error code.
func (e *Error) Code() Code { return e.code }

// Sentinel errors. ErrMoreProcessing is a non-terminal warning: the
// operation detected contention and the caller should throttle and retry.
// All others are terminal for the attempted operation; see CodeOf for the
// host-visible classification.
var (
	ErrNoMemory        = New(CodeNoMemory, "out of memory")
	ErrAddressInUse    = New(CodeAddressInUse, "address range already in use")
	ErrBusyRetry       = New(CodeBusyRetry, "device busy, retry")
	ErrInvalidState    = New(CodeInvalidState, "invalid state")
	ErrAccessViolation = New(CodeAccessViolation, "access violation")
	ErrInvalidArgument = New(CodeInvalidArgument, "invalid argument")
	ErrMoreProcessing  = New(CodeMoreProcessing, "more processing required")
)

// CodeOf returns the Code carried by err, CodeOK for nil, and
// CodeInvalidState for any error not created by this package. Errors
// wrapped with fmt.Errorf("...: %w", err) are not unwrapped here; the
// driver never wraps errors it must classify.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	if e, ok := err.(*Error); ok {
		return e.code
	}
	return CodeInvalidState
}
