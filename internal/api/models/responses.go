package models

import (
	"time"

	"github.com/nkkko/ply/internal/storage"
)

// EntryResponse is the response for a journal entry
type EntryResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Message     string `json:"message"`
	Description string `json:"description,omitempty"`
	LineNumber  int    `json:"lineNumber,omitempty"`
	StackTrace  string `json:"stackTrace,omitempty"`
	Severity    int    `json:"severity"`
	Fatal       bool   `json:"fatal"`
	ReceivedAt  string `json:"receivedAt"`
	UserAgent   string `json:"userAgent,omitempty"`
}

// EntryFromStorage converts a journal entry to the response
func EntryFromStorage(e storage.Entry) *EntryResponse {
	return &EntryResponse{
		ID:          e.ID,
		Name:        e.Record.Name,
		Message:     e.Record.Message,
		Description: e.Record.Description,
		LineNumber:  e.Record.LineNumber,
		StackTrace:  e.Record.StackTrace,
		Severity:    int(e.Severity),
		Fatal:       e.Severity.Fatal(),
		ReceivedAt:  e.ReceivedAt.Format(time.RFC3339Nano),
		UserAgent:   e.UserAgent,
	}
}

// CreatedResponse is returned when an error record was stored
type CreatedResponse struct {
	ID string `json:"id"`
}

// ListMeta describes a page of entries
type ListMeta struct {
	Limit int `json:"limit"`
	Count int `json:"count"`
	Total int `json:"total"`
}
