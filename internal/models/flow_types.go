// Package models defines flow type definitions shared across packages to avoid circular imports.
package models

// FlowType represents a specific type of conversational flow.
type FlowType string

// StateType represents a specific state within a flow.
type StateType string

// DataKey represents a key for storing state-specific data.
type DataKey string

// Flow type constants.
const (
	FlowTypeSession FlowType = "cbt_session"
)

// Phase states for the guided session flow. These are the five fixed stages
// of the scripted conversation; a session always starts in StateAgenda.
const (
	StateAgenda      StateType = "AGENDA"
	StateExploration StateType = "EXPLORATION"
	StateTechnique   StateType = "TECHNIQUE"
	StateHomework    StateType = "HOMEWORK"
	StateClosing     StateType = "CLOSING"
)

// Data key constants for the session flow.
const (
	DataKeySessionHistory   DataKey = "sessionHistory"   // JSON-serialized conversation transcript
	DataKeyHomeworkAssigned DataKey = "homeworkAssigned" // "true" while waiting for an ack/decline on issued homework
)
