package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// MaxRecentLogLines bounds the log excerpt carried by an event.
	MaxRecentLogLines = 200
	// MaxRecentLogBytes bounds the total size of the log excerpt.
	MaxRecentLogBytes = 64 * 1024
)

// ErrInvalidEvent marks malformed inbound events. Check with errors.Is.
var ErrInvalidEvent = errors.New("invalid event")

// ErrorEvent is a production error reported by a service. It is never mutated after creation.
type ErrorEvent struct {
	Service        string    `json:"service"`
	Error          string    `json:"error"`
	Stacktrace     string    `json:"stacktrace,omitempty"`
	RecentLogs     []string  `json:"recentLogs,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	RequestID      string    `json:"requestId,omitempty"`
	Endpoint       string    `json:"endpoint,omitempty"`
	Method         string    `json:"method,omitempty"`
	Environment    string    `json:"environment,omitempty"`
	RepositoryHint string    `json:"repository,omitempty"`
}

// Validate rejects events that cannot enter the pipeline.
func (e ErrorEvent) Validate() error {
	var missing []string
	if strings.TrimSpace(e.Service) == "" {
		missing = append(missing, "service")
	}
	if strings.TrimSpace(e.Error) == "" {
		missing = append(missing, "error")
	}
	if e.Timestamp.IsZero() {
		missing = append(missing, "timestamp")
	}
	if len(missing) > 0 {
		return invalidEvent(missing)
	}
	return nil
}

// NewErrorEvent builds an event with a bounded log excerpt. A zero timestamp is replaced by now.
func NewErrorEvent(service, message, stacktrace string, logs []string, ts time.Time) ErrorEvent {
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return ErrorEvent{
		Service:    strings.TrimSpace(service),
		Error:      strings.TrimSpace(message),
		Stacktrace: stacktrace,
		RecentLogs: BoundLogs(logs),
		Timestamp:  ts,
	}
}

// BoundLogs keeps the newest lines that fit within the excerpt limits.
func BoundLogs(lines []string) []string {
	if len(lines) == 0 {
		return nil
	}
	if len(lines) > MaxRecentLogLines {
		lines = lines[len(lines)-MaxRecentLogLines:]
	}
	total := 0
	start := len(lines)
	for start > 0 {
		size := len(lines[start-1]) + 1
		if total+size > MaxRecentLogBytes {
			break
		}
		total += size
		start--
	}
	return append([]string(nil), lines[start:]...)
}

// SplitLogs splits a raw log blob into lines, dropping trailing blanks.
func SplitLogs(raw string) []string {
	raw = strings.TrimRight(strings.ReplaceAll(raw, "\r\n", "\n"), "\n")
	if raw == "" {
		return nil
	}
	return strings.Split(raw, "\n")
}

func invalidEvent(missing []string) error {
	return fmt.Errorf("%w: missing %s", ErrInvalidEvent, strings.Join(missing, ", "))
}
