// Package models holds the request and response bodies of the collector API
package models

import (
	"net/url"

	"github.com/nkkko/ply/internal/api/validation"
	plyerrors "github.com/nkkko/ply/internal/errors"
	"github.com/nkkko/ply/internal/storage"
)

const (
	maxFieldLength = 1024
	maxStackLength = 64 * 1024
)

// ClientErrorRequest is an error record posted by a client. Browsers post it
// as a form with the same field names.
type ClientErrorRequest struct {
	Name        string `json:"name"`
	Message     string `json:"message"`
	Description string `json:"description,omitempty"`
	LineNumber  int    `json:"lineNumber,omitempty"`
	StackTrace  string `json:"stackTrace,omitempty"`
	Severity    int    `json:"severity,omitempty"`
}

// DecodeForm fills the request from form values
func (r *ClientErrorRequest) DecodeForm(values url.Values) error {
	r.Name = values.Get("name")
	r.Message = values.Get("message")
	r.Description = values.Get("description")
	r.StackTrace = values.Get("stackTrace")

	var err error
	if r.LineNumber, err = validation.Int("lineNumber", values.Get("lineNumber"), 0); err != nil {
		return err
	}
	if r.Severity, err = validation.Int("severity", values.Get("severity"), 0); err != nil {
		return err
	}
	return nil
}

// Validate validates the request
func (r *ClientErrorRequest) Validate() error {
	if r.Name == "" && r.Message == "" {
		return validation.Required("message", "")
	}
	if err := validation.MaxLength("name", r.Name, maxFieldLength); err != nil {
		return err
	}
	if err := validation.MaxLength("message", r.Message, maxFieldLength); err != nil {
		return err
	}
	if err := validation.MaxLength("description", r.Description, maxFieldLength); err != nil {
		return err
	}
	if err := validation.MaxLength("stackTrace", r.StackTrace, maxStackLength); err != nil {
		return err
	}
	if r.Severity != 0 {
		return validation.Between("severity", r.Severity, int(plyerrors.SeverityRecoverable), int(plyerrors.SeverityFatal))
	}
	return nil
}

// ToEntry converts the request to a journal entry. A missing severity is
// treated as recoverable.
func (r *ClientErrorRequest) ToEntry() storage.Entry {
	severity := plyerrors.Severity(r.Severity)
	if severity == 0 {
		severity = plyerrors.SeverityRecoverable
	}

	return storage.Entry{
		Record: plyerrors.Record{
			Name:        r.Name,
			Message:     r.Message,
			Description: r.Description,
			LineNumber:  r.LineNumber,
			StackTrace:  r.StackTrace,
		},
		Severity: severity,
	}
}
