package flow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mindframe/cbtcoach/internal/models"
	"github.com/mindframe/cbtcoach/internal/store"
)

// StoreBasedStateManager implements StateManager using a Store backend.
type StoreBasedStateManager struct {
	store store.Store
}

// NewStoreBasedStateManager creates a new StateManager backed by a Store.
func NewStoreBasedStateManager(st store.Store) *StoreBasedStateManager {
	slog.Debug("Creating StoreBasedStateManager")
	return &StoreBasedStateManager{store: st}
}

// GetCurrentState retrieves the current state for a participant in a flow.
func (sm *StoreBasedStateManager) GetCurrentState(ctx context.Context, participantID string, flowType models.FlowType) (models.StateType, error) {
	flowState, err := sm.store.GetFlowState(participantID, string(flowType))
	if err != nil {
		slog.Error("StateManager GetCurrentState error", "error", err, "participantID", participantID, "flowType", flowType)
		return "", err
	}

	if flowState == nil {
		slog.Debug("StateManager GetCurrentState not found", "participantID", participantID, "flowType", flowType)
		return "", nil
	}

	slog.Debug("StateManager GetCurrentState found", "participantID", participantID, "flowType", flowType, "state", flowState.CurrentState)
	return flowState.CurrentState, nil
}

// SetCurrentState updates the current state for a participant in a flow.
func (sm *StoreBasedStateManager) SetCurrentState(ctx context.Context, participantID string, flowType models.FlowType, state models.StateType) error {
	flowState, err := sm.store.GetFlowState(participantID, string(flowType))
	if err != nil {
		slog.Error("StateManager SetCurrentState get error", "error", err, "participantID", participantID, "flowType", flowType)
		return err
	}

	now := time.Now()
	if flowState == nil {
		flowState = &models.FlowState{
			ParticipantID: participantID,
			FlowType:      flowType,
			CurrentState:  state,
			StateData:     make(map[models.DataKey]string),
			CreatedAt:     now,
			UpdatedAt:     now,
		}
	} else {
		flowState.CurrentState = state
		flowState.UpdatedAt = now
	}

	if err := sm.store.SaveFlowState(*flowState); err != nil {
		slog.Error("StateManager SetCurrentState save error", "error", err, "participantID", participantID, "flowType", flowType, "state", state)
		return err
	}

	slog.Debug("StateManager SetCurrentState succeeded", "participantID", participantID, "flowType", flowType, "state", state)
	return nil
}

// GetStateData retrieves additional data associated with the participant's state.
func (sm *StoreBasedStateManager) GetStateData(ctx context.Context, participantID string, flowType models.FlowType, key models.DataKey) (string, error) {
	flowState, err := sm.store.GetFlowState(participantID, string(flowType))
	if err != nil {
		slog.Error("StateManager GetStateData error", "error", err, "participantID", participantID, "flowType", flowType, "key", key)
		return "", err
	}

	if flowState == nil || flowState.StateData == nil {
		slog.Debug("StateManager GetStateData not found", "participantID", participantID, "flowType", flowType, "key", key)
		return "", nil
	}

	value, exists := flowState.StateData[key]
	if !exists {
		slog.Debug("StateManager GetStateData key not found", "participantID", participantID, "flowType", flowType, "key", key)
		return "", nil
	}

	return value, nil
}

// SetStateData stores additional data associated with the participant's state.
func (sm *StoreBasedStateManager) SetStateData(ctx context.Context, participantID string, flowType models.FlowType, key models.DataKey, value string) error {
	flowState, err := sm.store.GetFlowState(participantID, string(flowType))
	if err != nil {
		slog.Error("StateManager SetStateData get error", "error", err, "participantID", participantID, "flowType", flowType, "key", key)
		return err
	}

	now := time.Now()
	if flowState == nil {
		flowState = &models.FlowState{
			ParticipantID: participantID,
			FlowType:      flowType,
			CurrentState:  "",
			StateData:     map[models.DataKey]string{key: value},
			CreatedAt:     now,
			UpdatedAt:     now,
		}
	} else {
		if flowState.StateData == nil {
			flowState.StateData = make(map[models.DataKey]string)
		}
		flowState.StateData[key] = value
		flowState.UpdatedAt = now
	}

	if err := sm.store.SaveFlowState(*flowState); err != nil {
		slog.Error("StateManager SetStateData save error", "error", err, "participantID", participantID, "flowType", flowType, "key", key)
		return err
	}

	return nil
}

// TransitionState transitions from one state to another.
func (sm *StoreBasedStateManager) TransitionState(ctx context.Context, participantID string, flowType models.FlowType, fromState, toState models.StateType) error {
	currentState, err := sm.GetCurrentState(ctx, participantID, flowType)
	if err != nil {
		slog.Error("StateManager TransitionState get current state error", "error", err, "participantID", participantID, "flowType", flowType)
		return err
	}

	if currentState != fromState {
		err := fmt.Errorf("invalid state transition: expected %s, current is %s", fromState, currentState)
		slog.Error("StateManager TransitionState invalid transition", "error", err, "participantID", participantID, "flowType", flowType, "expected", fromState, "current", currentState)
		return err
	}

	if err := sm.SetCurrentState(ctx, participantID, flowType, toState); err != nil {
		slog.Error("StateManager TransitionState set state error", "error", err, "participantID", participantID, "flowType", flowType, "to", toState)
		return err
	}

	slog.Info("StateManager TransitionState succeeded", "participantID", participantID, "flowType", flowType, "from", fromState, "to", toState)
	return nil
}

// ResetState removes all state data for a participant in a flow.
func (sm *StoreBasedStateManager) ResetState(ctx context.Context, participantID string, flowType models.FlowType) error {
	if err := sm.store.DeleteFlowState(participantID, string(flowType)); err != nil {
		slog.Error("StateManager ResetState error", "error", err, "participantID", participantID, "flowType", flowType)
		return err
	}

	slog.Info("StateManager ResetState succeeded", "participantID", participantID, "flowType", flowType)
	return nil
}
