package models

import (
	"strings"
	"time"
)

// WatchState is the lifecycle state of a deployment watch.
type WatchState string

const (
	WatchWatching WatchState = "watching"
	WatchResolved WatchState = "resolved"
	WatchExpired  WatchState = "expired"
)

// Close outcomes recorded on resolved watches.
const (
	OutcomeSuperseded = "superseded"
	OutcomeLapsed     = "window lapsed"
	OutcomeClosed     = "closed"
)

// DeploymentWatch is a time-bounded window during which errors are attributed to a deployment.
type DeploymentWatch struct {
	ID               string     `json:"id"`
	Repository       string     `json:"repository"`
	Branch           string     `json:"branch"`
	Commit           string     `json:"commit"`
	Author           string     `json:"author"`
	Message          string     `json:"message"`
	CreatedAt        time.Time  `json:"createdAt"`
	ExpiresAt        time.Time  `json:"expiresAt"`
	Status           WatchState `json:"status"`
	AttributedErrors int        `json:"attributedErrors"`
	ClosedAt         time.Time  `json:"closedAt,omitempty"`
	Outcome          string     `json:"outcome,omitempty"`
}

// Contains reports whether at falls inside the half-open window [CreatedAt, ExpiresAt).
func (w DeploymentWatch) Contains(at time.Time) bool {
	return !at.Before(w.CreatedAt) && at.Before(w.ExpiresAt)
}

// Remaining returns the time left in the window at the given instant.
func (w DeploymentWatch) Remaining(at time.Time) time.Duration {
	if w.Status != WatchWatching {
		return 0
	}
	left := w.ExpiresAt.Sub(at)
	if left < 0 {
		return 0
	}
	return left
}

// ShortCommit returns the abbreviated commit identifier.
func (w DeploymentWatch) ShortCommit() string {
	if len(w.Commit) > 7 {
		return w.Commit[:7]
	}
	return w.Commit
}

// WatchKey identifies the (repository, branch) pair a watch guards.
type WatchKey struct {
	Repository string
	Branch     string
}

// NewWatchKey normalises repository and branch names into a key.
func NewWatchKey(repository, branch string) WatchKey {
	return WatchKey{
		Repository: strings.ToLower(strings.TrimSpace(repository)),
		Branch:     strings.TrimPrefix(strings.TrimSpace(branch), "refs/heads/"),
	}
}

func (k WatchKey) String() string {
	return k.Repository + "@" + k.Branch
}

// WatchStatus is the read model served to dashboards.
type WatchStatus struct {
	Repository string           `json:"repository"`
	Branch     string           `json:"branch"`
	State      string           `json:"state"`
	Remaining  time.Duration    `json:"remaining"`
	Watch      *DeploymentWatch `json:"watch,omitempty"`
}

// WatchStateIdle is reported when no watch was ever opened for a key.
const WatchStateIdle = "idle"

// DeploymentNotification is the inbound payload that opens a watch.
type DeploymentNotification struct {
	Repository string        `json:"repository"`
	Branch     string        `json:"branch"`
	Commit     string        `json:"commit"`
	Author     string        `json:"author"`
	Message    string        `json:"message"`
	TTL        time.Duration `json:"ttl,omitempty"`
}

// Validate checks the mandatory notification fields.
func (n DeploymentNotification) Validate() error {
	var missing []string
	if strings.TrimSpace(n.Repository) == "" {
		missing = append(missing, "repository")
	}
	if strings.TrimSpace(n.Commit) == "" {
		missing = append(missing, "commit")
	}
	if len(missing) > 0 {
		return invalidEvent(missing)
	}
	return nil
}

func normalizeLabel(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
