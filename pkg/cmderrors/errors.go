// Package cmderrors implements the error taxonomy shared by every component:
// a small coded error type with a breadcrumb trail, so an error acquires
// context (peer info, session name, "IP not pingable") as it crosses layers
// without being re-wrapped and losing its original code.
package cmderrors

import (
	"errors"
	"fmt"
	"strings"
)

// Code classifies a failure for the RPC boundary.
type Code int

const (
	Unknown Code = iota
	Validation
	Lookup
	Permission
	ConnectionTimeout
	Connection
	CommandExecutionTimeout
	CommandExecution
	StreamReader
	UnsupportedDevice
	UnsupportedCommand
	InstanceOverloaded
	Runtime
	Assertion
	TypeError
	Attribute
	NotImplemented
)

var codeNames = map[Code]string{
	Unknown:                 "Unknown",
	Validation:              "Validation",
	Lookup:                  "Lookup",
	Permission:              "Permission",
	ConnectionTimeout:       "ConnectionTimeout",
	Connection:              "Connection",
	CommandExecutionTimeout: "CommandExecutionTimeout",
	CommandExecution:        "CommandExecution",
	StreamReader:            "StreamReader",
	UnsupportedDevice:       "UnsupportedDevice",
	UnsupportedCommand:      "UnsupportedCommand",
	InstanceOverloaded:      "InstanceOverloaded",
	Runtime:                 "Runtime",
	Assertion:               "Assertion",
	TypeError:               "Type",
	Attribute:               "Attribute",
	NotImplemented:          "NotImplemented",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return "Unknown"
}

// Error is the coded error type used everywhere in this module. Context is a
// breadcrumb trail: each layer appends to it with Annotate rather than
// wrapping the error in a new type, so the original code and message survive
// to the RPC boundary.
type Error struct {
	Code    Code
	Message string
	Context []string
}

// New creates a coded error.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Error implements the error interface, appending any breadcrumbs.
func (e *Error) Error() string {
	if len(e.Context) == 0 {
		return e.Message
	}
	return e.Message + " (" + strings.Join(e.Context, "; ") + ")"
}

// Annotate appends a breadcrumb to the error's context and returns it, so the
// original code and message are preserved while intermediate layers record
// what they were doing when it passed through.
func (e *Error) Annotate(format string, args ...interface{}) *Error {
	e.Context = append(e.Context, fmt.Sprintf(format, args...))
	return e
}

// Annotate appends a breadcrumb to err if it is (or wraps) a *Error; it
// leaves any other error untouched. This lets callers annotate without
// caring whether the error originated here.
func Annotate(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		ce.Annotate(format, args...)
		return ce
	}
	return err
}

// CodeOf returns the Code carried by err, or Unknown if err is not a *Error.
func CodeOf(err error) Code {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return Unknown
}

// Is allows errors.Is(err, cmderrors.New(code, ...)) style comparisons by code.
func (e *Error) Is(target error) bool {
	var ce *Error
	if errors.As(target, &ce) {
		return e.Code == ce.Code
	}
	return false
}
