package models

import "time"

// ListReportsRequest captures filters for report history.
type ListReportsRequest struct {
	Service        string
	DeploymentOnly bool
	Since          time.Time
	PageSize       int
	PageToken      string
}

// ListReportsResponse contains report history and pagination state.
type ListReportsResponse struct {
	Reports       []RCAReport `json:"reports"`
	NextPageToken string      `json:"nextPageToken,omitempty"`
}

// AgentLogChunk is a block of container logs forwarded by the log agent.
type AgentLogChunk struct {
	ContainerID   string `json:"container_id"`
	ContainerName string `json:"container_name"`
	Logs          string `json:"logs"`
}
