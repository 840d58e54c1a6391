// Copyright Project Contour Authors
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

// Package flowerrors implements the error taxonomy of spec.md §7.
package flowerrors

import (
	"errors"
	"fmt"
)

// Code identifies one of the taxonomy's error kinds.
type Code string

const (
	NotFound                  Code = "not_found"
	AlreadyExists             Code = "already_exists"
	Conflict                  Code = "conflict"
	InvalidConfig             Code = "invalid_config"
	Forbidden                 Code = "forbidden"
	Unavailable               Code = "unavailable"
	Internal                  Code = "internal"
	UnsupportedProtocolVersion Code = "unsupported_protocol_version"
)

// FieldError is one entry of an InvalidConfig error's Details.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// ConflictResource identifies the resource a Conflict error collided with.
type ConflictResource struct {
	Team   string `json:"team"`
	Domain string `json:"domain,omitempty"`
	Path   string `json:"path,omitempty"`
	Kind   string `json:"kind,omitempty"`
	ID     string `json:"id,omitempty"`
}

// Error is Flowplane's structured domain error. It carries a machine
// readable Code plus enough detail for a REST/MCP layer to render a useful
// response, without the core depending on that layer.
type Error struct {
	Code               Code
	Message            string
	Hint               string
	Fields             []FieldError
	CollisionType      string
	ConflictingResource *ConflictResource
	Suggestions        []string
	cause              error
}

func (e *Error) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Hint)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is allows errors.Is(err, flowerrors.New(flowerrors.NotFound, "")) style
// checks: any *Error target matches on Code alone.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Code == other.Code
	}
	return false
}

// New builds a bare Error of the given code.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap builds an Error that preserves the original cause for %w-style
// unwrapping, mirroring the teacher's sparing use of pkg/errors.Wrap at
// DB/IO boundaries.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// WithHint attaches a human-readable hint and returns the same Error.
func (e *Error) WithHint(hint string) *Error {
	e.Hint = hint
	return e
}

// WithFields attaches InvalidConfig field errors and returns the same Error.
func (e *Error) WithFields(fields ...FieldError) *Error {
	e.Fields = fields
	return e
}

// WithConflict attaches collision details and returns the same Error.
func (e *Error) WithConflict(collisionType string, resource *ConflictResource, suggestions ...string) *Error {
	e.CollisionType = collisionType
	e.ConflictingResource = resource
	e.Suggestions = suggestions
	return e
}

// IsNotFound reports whether err (or something it wraps) is a NotFound error.
func IsNotFound(err error) bool { return hasCode(err, NotFound) }

// IsConflict reports whether err (or something it wraps) is a Conflict error.
func IsConflict(err error) bool { return hasCode(err, Conflict) }

// IsAlreadyExists reports whether err is an AlreadyExists error.
func IsAlreadyExists(err error) bool { return hasCode(err, AlreadyExists) }

func hasCode(err error, code Code) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code == code
	}
	return false
}

// Forbidden errors are remapped to NotFound before they cross an org
// boundary, per spec.md §7 "never returned across org boundary". Callers at
// the org-scoping edge (team/org membership checks) should call this instead
// of returning Forbidden directly when the caller is simply in the wrong org.
func RemapForbiddenToNotFound(err error) error {
	var fe *Error
	if errors.As(err, &fe) && fe.Code == Forbidden {
		return New(NotFound, "resource not found")
	}
	return err
}
