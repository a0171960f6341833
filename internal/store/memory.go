package store

import (
	"sync"
	"time"

	"github.com/mindframe/cbtcoach/internal/models"
)

// InMemoryStore keeps flow state in process memory. It is the default backend
// when no database DSN is configured and doubles as a test double.
type InMemoryStore struct {
	mu     sync.RWMutex
	states map[string]models.FlowState
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{states: make(map[string]models.FlowState)}
}

func stateKey(participantID, flowType string) string {
	return participantID + "|" + flowType
}

// SaveFlowState stores or updates flow state for a participant.
func (s *InMemoryStore) SaveFlowState(state models.FlowState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state.UpdatedAt = time.Now()
	if state.CreatedAt.IsZero() {
		state.CreatedAt = state.UpdatedAt
	}
	s.states[stateKey(state.ParticipantID, string(state.FlowType))] = cloneFlowState(state)
	return nil
}

// GetFlowState retrieves flow state for a participant.
func (s *InMemoryStore) GetFlowState(participantID, flowType string) (*models.FlowState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.states[stateKey(participantID, flowType)]
	if !ok {
		return nil, nil
	}
	out := cloneFlowState(state)
	return &out, nil
}

// DeleteFlowState removes flow state for a participant.
func (s *InMemoryStore) DeleteFlowState(participantID, flowType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, stateKey(participantID, flowType))
	return nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }

// cloneFlowState copies the state map so callers never share mutable data.
func cloneFlowState(state models.FlowState) models.FlowState {
	if state.StateData != nil {
		data := make(map[models.DataKey]string, len(state.StateData))
		for k, v := range state.StateData {
			data[k] = v
		}
		state.StateData = data
	}
	return state
}
