// Package errors defines the error records Ply forwards to its centralized
// error boundary, and the taxonomy of failures that produce them.
package errors

import (
	"errors"
	"fmt"
	"runtime/debug"
)

// Kind classifies where a failure originated
type Kind string

const (
	// KindTransport is a network or HTTP failure reported by the AJAX gateway
	KindTransport Kind = "TransportError"

	// KindViewInit is an error raised from a view's init or teardown hook
	KindViewInit Kind = "ViewInitError"

	// KindConstruction is a failure while building a request
	KindConstruction Kind = "ConstructionError"

	// KindHandler is an error or panic from a notification handler or callback
	KindHandler Kind = "HandlerError"
)

// Severity of a reported error. Anything above SeverityRecoverable is
// surfaced to the end user.
type Severity int

const (
	// SeverityRecoverable means the failed operation simply did not complete
	SeverityRecoverable Severity = 1

	// SeverityFatal means the user should be told something went wrong
	SeverityFatal Severity = 2
)

// Fatal reports whether the severity is user-fatal
func (s Severity) Fatal() bool {
	return s > SeverityRecoverable
}

// Record is the structured form of an error as it crosses the error
// boundary and, optionally, the wire to an error collector.
type Record struct {
	Name        string `json:"name"`
	Message     string `json:"message"`
	Description string `json:"description,omitempty"`
	LineNumber  int    `json:"lineNumber,omitempty"`
	StackTrace  string `json:"stackTrace,omitempty"`
}

// Error is a classified failure carrying its record and underlying cause
type Error struct {
	Kind   Kind
	Record Record
	Err    error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Record.Description != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Record.Name, e.Record.Message, e.Record.Description)
	}
	return fmt.Sprintf("%s: %s", e.Record.Name, e.Record.Message)
}

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error {
	return e.Err
}

// Transport creates the record the gateway reports for a failed request
func Transport(status, url string, cause error) *Error {
	return &Error{
		Kind: KindTransport,
		Record: Record{
			Name:        "AjaxError",
			Message:     "Status: " + status,
			Description: "URL: " + url,
		},
		Err: cause,
	}
}

// ViewInit wraps a failure while starting or tearing down the named view
func ViewInit(view string, cause error) *Error {
	rec := Record{
		Name:        string(KindViewInit),
		Message:     messageOf(cause),
		Description: "View: " + view,
	}
	if p := panicOf(cause); p != nil {
		rec.StackTrace = p.Stack
	}
	return &Error{Kind: KindViewInit, Record: rec, Err: cause}
}

// Construction wraps a failure while building a request
func Construction(url string, cause error) *Error {
	return &Error{
		Kind: KindConstruction,
		Record: Record{
			Name:        string(KindConstruction),
			Message:     messageOf(cause),
			Description: "URL: " + url,
		},
		Err: cause,
	}
}

// Handler wraps an error or panic raised by a subscriber of the named event
func Handler(event string, cause error) *Error {
	rec := Record{
		Name:        string(KindHandler),
		Message:     messageOf(cause),
		Description: "Event: " + event,
	}
	if p := panicOf(cause); p != nil {
		rec.StackTrace = p.Stack
	}
	return &Error{Kind: KindHandler, Record: rec, Err: cause}
}

// Panic is a recovered panic value turned into an error
type Panic struct {
	Value any
	Stack string
}

func (p *Panic) Error() string {
	return fmt.Sprintf("panic: %v", p.Value)
}

// FromPanic converts a value returned by recover into an error, capturing the
// current stack. It returns nil for a nil value.
func FromPanic(v any) error {
	if v == nil {
		return nil
	}
	return &Panic{Value: v, Stack: string(debug.Stack())}
}

// RecordOf returns the record for err. Errors that were never classified get
// a generic record carrying their message.
func RecordOf(err error) Record {
	var e *Error
	if errors.As(err, &e) {
		return e.Record
	}

	rec := Record{Name: "Error", Message: messageOf(err)}
	if p := panicOf(err); p != nil {
		rec.StackTrace = p.Stack
	}
	return rec
}

// KindOf returns the kind of err, or "" if it was never classified
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func messageOf(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}

func panicOf(err error) *Panic {
	var p *Panic
	if errors.As(err, &p) {
		return p
	}
	return nil
}
