// Package events is a small pub/sub bus for ledger activity such as new
// versions, deployment transitions and detected drift.
package events

import "time"

// EventType identifies the category of event.
type EventType string

const (
	EventVersionCreated     EventType = "version.created"
	EventDeploymentChanged  EventType = "deployment.changed"
	EventLiveStateRetrieved EventType = "livestate.retrieved"
	EventDriftDetected      EventType = "drift.detected"
)

// Event is the message passed through the hub.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Data      any       `json:"data"`
}

// VersionData is the payload of EventVersionCreated.
type VersionData struct {
	PolicyID  int64 `json:"policy_id"`
	VersionID int64 `json:"version_id"`
	Version   int   `json:"version"`
}

// DeploymentData is the payload of EventDeploymentChanged.
type DeploymentData struct {
	DeploymentID int64  `json:"deployment_id"`
	VersionID    int64  `json:"version_id"`
	Host         string `json:"host"`
	Status       string `json:"status"`
}

// LiveStateData is the payload of EventLiveStateRetrieved.
type LiveStateData struct {
	Host     string `json:"host"`
	Table    string `json:"table"`
	Policies int    `json:"policies"`
	Rules    int    `json:"rules"`
	Skipped  int    `json:"skipped"`
}

// DriftData is the payload of EventDriftDetected. The counts mirror the
// categories of a drift comparison.
type DriftData struct {
	Host       string `json:"host"`
	VersionID  int64  `json:"version_id"`
	Missing    int    `json:"missing"`
	Lingering  int    `json:"lingering"`
	Unexpected int    `json:"unexpected"`
}
