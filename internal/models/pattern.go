package models

import "time"

// FailurePattern is a recurring error signature mined from report history.
type FailurePattern struct {
	ID               string    `json:"id"`
	Service          string    `json:"service"`
	Signature        string    `json:"signature"`
	Occurrences      int       `json:"occurrences"`
	Prevalence       float64   `json:"prevalence"`
	DeploymentLinked float64   `json:"deploymentLinked"`
	TopRootCauses    []string  `json:"topRootCauses,omitempty"`
	Commits          []string  `json:"commits,omitempty"`
	LastSeen         time.Time `json:"lastSeen"`
}
