// Package flow implements the guided CBT session flow: a five-phase state
// machine that decides per turn which phase is active, when to intercept
// input heuristically versus delegate classification to the model, and which
// phase prompt to invoke.
package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/openai/openai-go"

	"github.com/mindframe/cbtcoach/internal/genai"
	"github.com/mindframe/cbtcoach/internal/models"
	"github.com/mindframe/cbtcoach/internal/tone"
)

// Sentinel errors for the two generation-service failure modes. Both
// propagate to the caller; the presentation loop owns user-visible messaging.
var (
	// ErrClassification marks a failed or empty phase-classification call.
	// An unrecognized (but non-empty) reply is not an error; the current
	// phase is simply retained.
	ErrClassification = errors.New("phase classification failed")

	// ErrGeneration marks a failed phase-response generation call.
	ErrGeneration = errors.New("response generation failed")
)

// History limits, matching what the generation service can usefully consume.
const (
	maxStoredHistoryMessages = 50
	maxPromptHistoryMessages = 30
)

// Default heuristic token sets for the homework-wait interception. Matching
// is substring containment on lowercased text; the imprecision (e.g. "no"
// inside "nothing") is part of the documented behavior.
var (
	defaultAckTokens     = []string{"yes", "okay", "sure", "will", "got it", "thanks"}
	defaultDeclineTokens = []string{"not", "don't", "dont", "no", "nah", "nothing", "else"}
)

// ConversationMessage represents a single message in the session transcript.
type ConversationMessage struct {
	Role      string    `json:"role"`      // "user" or "assistant"
	Content   string    `json:"content"`   // message content, already softened for user turns
	Timestamp time.Time `json:"timestamp"` // when the message was sent
}

// ConversationHistory represents the full transcript for a participant.
type ConversationHistory struct {
	Messages []ConversationMessage `json:"messages"`
}

// sessionTurn carries the mutable state of one turn through phase resolution
// and dispatch.
type sessionTurn struct {
	participantID    string
	userText         string // softened user input
	history          *ConversationHistory
	phase            models.StateType
	homeworkAssigned bool
	sink             genai.StreamSink
}

type phaseHandler func(ctx context.Context, t *sessionTurn) (string, error)

// SessionFlow implements the phase state machine. All session state lives in
// the state manager keyed by participant ID, so concurrent sessions stay
// isolated as long as each turn for a given participant runs one at a time.
type SessionFlow struct {
	stateManager  StateManager
	genaiClient   genai.ClientInterface
	softener      *tone.Softener
	ackTokens     []string
	declineTokens []string
	streaming     bool
	handlers      map[models.StateType]phaseHandler
}

// NewSessionFlow creates a session flow with dependencies. A nil softener
// falls back to the default replacement mapping.
func NewSessionFlow(stateManager StateManager, genaiClient genai.ClientInterface, softener *tone.Softener) *SessionFlow {
	slog.Debug("SessionFlow.NewSessionFlow: creating flow", "hasStateManager", stateManager != nil, "hasGenAI", genaiClient != nil)
	if softener == nil {
		softener = tone.NewSoftener(nil)
	}
	f := &SessionFlow{
		stateManager:  stateManager,
		genaiClient:   genaiClient,
		softener:      softener,
		ackTokens:     defaultAckTokens,
		declineTokens: defaultDeclineTokens,
		streaming:     true,
	}
	f.handlers = map[models.StateType]phaseHandler{
		models.StateAgenda:      f.handleAgenda,
		models.StateExploration: f.handleExploration,
		models.StateTechnique:   f.handleTechnique,
		models.StateHomework:    f.handleHomework,
		models.StateClosing:     f.handleClosing,
	}
	return f
}

// SetHeuristicTokens overrides the acknowledgment and decline token sets.
// Empty slices keep the current values.
func (f *SessionFlow) SetHeuristicTokens(ack, decline []string) {
	if len(ack) > 0 {
		f.ackTokens = ack
	}
	if len(decline) > 0 {
		f.declineTokens = decline
	}
	slog.Debug("SessionFlow: heuristic tokens set", "ackCount", len(f.ackTokens), "declineCount", len(f.declineTokens))
}

// SetStreaming enables or disables incremental token delivery to the caller's sink.
func (f *SessionFlow) SetStreaming(enabled bool) {
	f.streaming = enabled
	slog.Debug("SessionFlow: streaming set", "enabled", enabled)
}

// ProcessResponse handles one user turn: it softens the input, resolves the
// active phase, dispatches to the phase handler, and returns the assistant
// text for that turn. Partial text is delivered to sink as it is produced
// when streaming is enabled; sink may be nil.
func (f *SessionFlow) ProcessResponse(ctx context.Context, participantID, userText string, sink genai.StreamSink) (string, error) {
	if f.stateManager == nil || f.genaiClient == nil {
		slog.Error("SessionFlow.ProcessResponse: dependencies not initialized")
		return "", fmt.Errorf("flow dependencies not properly initialized")
	}

	softened := f.softener.Soften(userText)

	phase, err := f.stateManager.GetCurrentState(ctx, participantID, models.FlowTypeSession)
	if err != nil {
		slog.Error("SessionFlow.ProcessResponse: failed to get current state", "error", err, "participantID", participantID)
		return "", fmt.Errorf("failed to get current state: %w", err)
	}

	// First turn for this participant: sessions start in the agenda phase.
	if phase == "" {
		if err := f.stateManager.SetCurrentState(ctx, participantID, models.FlowTypeSession, models.StateAgenda); err != nil {
			return "", fmt.Errorf("failed to initialize session state: %w", err)
		}
		phase = models.StateAgenda
		slog.Debug("SessionFlow.ProcessResponse: initialized new session", "participantID", participantID)
	}

	homeworkAssigned, err := f.getHomeworkAssigned(ctx, participantID)
	if err != nil {
		return "", err
	}

	history, err := f.getSessionHistory(ctx, participantID)
	if err != nil {
		return "", err
	}
	history.Messages = append(history.Messages, ConversationMessage{
		Role:      "user",
		Content:   softened,
		Timestamp: time.Now(),
	})

	t := &sessionTurn{
		participantID:    participantID,
		userText:         softened,
		history:          history,
		phase:            phase,
		homeworkAssigned: homeworkAssigned,
		sink:             sink,
	}

	// Phase resolution. While issued homework awaits an ack or decline the
	// transition is decided deterministically, without a model call; in all
	// other cases the model classifies the phase.
	if phase == models.StateHomework && homeworkAssigned {
		f.interceptHomeworkWait(t)
	} else {
		if err := f.classifyPhase(ctx, t); err != nil {
			return "", err
		}
	}

	// Invariant: the homework flag is only meaningful inside the homework phase.
	if t.phase != models.StateHomework {
		t.homeworkAssigned = false
	}

	// Persist the resolved state before dispatch so a generation failure does
	// not lose the transition. The flag is written first so stored state never
	// pairs a true homework flag with a non-homework phase.
	if t.homeworkAssigned != homeworkAssigned {
		if err := f.setHomeworkAssigned(ctx, participantID, t.homeworkAssigned); err != nil {
			return "", err
		}
	}
	persisted := phase
	if t.phase != persisted {
		if err := f.stateManager.SetCurrentState(ctx, participantID, models.FlowTypeSession, t.phase); err != nil {
			return "", fmt.Errorf("failed to persist phase transition: %w", err)
		}
		slog.Info("SessionFlow.ProcessResponse: phase transition", "participantID", participantID, "from", persisted, "to", t.phase)
		persisted = t.phase
	}

	handler, ok := f.handlers[t.phase]
	var reply string
	if !ok {
		// Unreachable with the closed phase set; reaching it means a logic
		// invariant was violated somewhere upstream.
		slog.Error("SessionFlow.ProcessResponse: unrecognized phase value", "participantID", participantID, "phase", t.phase)
		reply = FallbackMessage
	} else {
		reply, err = handler(ctx, t)
		if err != nil {
			return "", err
		}
	}

	history.Messages = append(history.Messages, ConversationMessage{
		Role:      "assistant",
		Content:   reply,
		Timestamp: time.Now(),
	})
	if err := f.saveSessionHistory(ctx, participantID, history); err != nil {
		// Do not fail the turn over a history write; the reply already exists.
		slog.Error("SessionFlow.ProcessResponse: failed to save session history", "error", err, "participantID", participantID)
	}

	if err := f.setHomeworkAssigned(ctx, participantID, t.homeworkAssigned); err != nil {
		return "", err
	}

	// The closing handler resets the phase after its reply; persist that too.
	if t.phase != persisted {
		if err := f.stateManager.SetCurrentState(ctx, participantID, models.FlowTypeSession, t.phase); err != nil {
			return "", fmt.Errorf("failed to persist session reset: %w", err)
		}
		slog.Info("SessionFlow.ProcessResponse: session reset", "participantID", participantID, "phase", t.phase)
	}

	slog.Info("SessionFlow.ProcessResponse: turn complete", "participantID", participantID, "phase", t.phase, "responseLength", len(reply))
	return reply, nil
}

// interceptHomeworkWait resolves the phase deterministically while issued
// homework awaits the user's reaction. A decline that names the exercise
// returns to the technique phase; a decline without it stays in homework and
// is never re-checked against the ack set, since the token sets overlap under
// substring matching ("not sure" contains "sure"). A plain acknowledgment
// moves to closing; anything else stays put rather than guessing.
func (f *SessionFlow) interceptHomeworkWait(t *sessionTurn) {
	lower := strings.ToLower(t.userText)
	switch {
	case containsAnyToken(lower, f.declineTokens):
		if strings.Contains(lower, "exercise") {
			t.phase = models.StateTechnique
			slog.Debug("SessionFlow.interceptHomeworkWait: decline detected", "participantID", t.participantID)
		} else {
			slog.Debug("SessionFlow.interceptHomeworkWait: ambiguous decline, staying in homework", "participantID", t.participantID)
		}
	case containsAnyToken(lower, f.ackTokens):
		t.phase = models.StateClosing
		slog.Debug("SessionFlow.interceptHomeworkWait: acknowledgment detected", "participantID", t.participantID)
	default:
		slog.Debug("SessionFlow.interceptHomeworkWait: ambiguous reply, staying in homework", "participantID", t.participantID)
	}
}

// classifyPhase asks the model which phase fits the conversation right now.
// Transport failures and empty replies are surfaced as ErrClassification; an
// unrecognized phase word retains the current phase.
func (f *SessionFlow) classifyPhase(ctx context.Context, t *sessionTurn) error {
	messages := buildChatMessages(phaseClassifierPrompt, t.history)
	reply, err := f.genaiClient.GenerateWithMessages(ctx, messages)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrClassification, err)
	}
	sel := strings.TrimSpace(reply)
	if sel == "" {
		return fmt.Errorf("%w: empty classifier reply", ErrClassification)
	}
	if phase, ok := ParsePhase(sel); ok {
		t.phase = phase
	} else {
		slog.Warn("SessionFlow.classifyPhase: unrecognized phase reply, retaining current phase", "participantID", t.participantID, "reply", sel, "phase", t.phase)
	}
	return nil
}

func (f *SessionFlow) handleAgenda(ctx context.Context, t *sessionTurn) (string, error) {
	return f.generatePhaseReply(ctx, models.StateAgenda, t)
}

func (f *SessionFlow) handleExploration(ctx context.Context, t *sessionTurn) (string, error) {
	return f.generatePhaseReply(ctx, models.StateExploration, t)
}

func (f *SessionFlow) handleTechnique(ctx context.Context, t *sessionTurn) (string, error) {
	t.homeworkAssigned = false
	return f.generatePhaseReply(ctx, models.StateTechnique, t)
}

func (f *SessionFlow) handleHomework(ctx context.Context, t *sessionTurn) (string, error) {
	if t.homeworkAssigned {
		// An exercise is already out; repeat the waiting prompt instead of
		// re-issuing homework. No generation call is made.
		slog.Debug("SessionFlow.handleHomework: awaiting ack or decline", "participantID", t.participantID)
		return HomeworkWaitingMessage, nil
	}
	reply, err := f.generatePhaseReply(ctx, models.StateHomework, t)
	if err != nil {
		return "", err
	}
	t.homeworkAssigned = true
	return reply, nil
}

func (f *SessionFlow) handleClosing(ctx context.Context, t *sessionTurn) (string, error) {
	reply, err := f.generatePhaseReply(ctx, models.StateClosing, t)
	if err != nil {
		return "", err
	}
	// Closing completes the logical session: back to agenda for a fresh one.
	t.phase = models.StateAgenda
	t.homeworkAssigned = false
	slog.Info("SessionFlow.handleClosing: session complete", "participantID", t.participantID)
	return reply, nil
}

// generatePhaseReply invokes the generation service with the phase's
// instruction and the transcript, streaming chunks to the turn's sink when
// streaming is enabled.
func (f *SessionFlow) generatePhaseReply(ctx context.Context, phase models.StateType, t *sessionTurn) (string, error) {
	messages := buildChatMessages(phasePrompts[phase], t.history)

	var reply string
	var err error
	if f.streaming && t.sink != nil {
		reply, err = f.genaiClient.GenerateStreamWithMessages(ctx, messages, t.sink)
	} else {
		reply, err = f.genaiClient.GenerateWithMessages(ctx, messages)
	}
	if err != nil {
		return "", fmt.Errorf("%w for phase %s: %w", ErrGeneration, phase, err)
	}
	return reply, nil
}

// getSessionHistory retrieves and parses the transcript from state storage.
func (f *SessionFlow) getSessionHistory(ctx context.Context, participantID string) (*ConversationHistory, error) {
	historyJSON, err := f.stateManager.GetStateData(ctx, participantID, models.FlowTypeSession, models.DataKeySessionHistory)
	if err != nil {
		return nil, fmt.Errorf("failed to get session history: %w", err)
	}

	if historyJSON == "" {
		return &ConversationHistory{Messages: []ConversationMessage{}}, nil
	}

	var history ConversationHistory
	if err := json.Unmarshal([]byte(historyJSON), &history); err != nil {
		slog.Error("SessionFlow.getSessionHistory: failed to parse history, starting fresh", "error", err, "participantID", participantID)
		return &ConversationHistory{Messages: []ConversationMessage{}}, nil
	}
	return &history, nil
}

// saveSessionHistory persists the transcript, trimmed to the most recent
// messages to prevent unbounded growth.
func (f *SessionFlow) saveSessionHistory(ctx context.Context, participantID string, history *ConversationHistory) error {
	if len(history.Messages) > maxStoredHistoryMessages {
		history.Messages = history.Messages[len(history.Messages)-maxStoredHistoryMessages:]
	}

	historyJSON, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("failed to marshal session history: %w", err)
	}
	return f.stateManager.SetStateData(ctx, participantID, models.FlowTypeSession, models.DataKeySessionHistory, string(historyJSON))
}

func (f *SessionFlow) getHomeworkAssigned(ctx context.Context, participantID string) (bool, error) {
	raw, err := f.stateManager.GetStateData(ctx, participantID, models.FlowTypeSession, models.DataKeyHomeworkAssigned)
	if err != nil {
		return false, fmt.Errorf("failed to get homework flag: %w", err)
	}
	return raw == "true", nil
}

func (f *SessionFlow) setHomeworkAssigned(ctx context.Context, participantID string, assigned bool) error {
	err := f.stateManager.SetStateData(ctx, participantID, models.FlowTypeSession, models.DataKeyHomeworkAssigned, strconv.FormatBool(assigned))
	if err != nil {
		return fmt.Errorf("failed to set homework flag: %w", err)
	}
	return nil
}

// buildChatMessages assembles the generation request: the phase instruction
// as the system message followed by the transcript with proper roles. The
// transcript already ends with the current user message.
func buildChatMessages(systemPrompt string, history *ConversationHistory) []openai.ChatCompletionMessageParamUnion {
	messages := []openai.ChatCompletionMessageParamUnion{openai.SystemMessage(systemPrompt)}

	historyMessages := history.Messages
	if len(historyMessages) > maxPromptHistoryMessages {
		historyMessages = historyMessages[len(historyMessages)-maxPromptHistoryMessages:]
	}

	for _, msg := range historyMessages {
		switch msg.Role {
		case "user":
			messages = append(messages, openai.UserMessage(msg.Content))
		case "assistant":
			messages = append(messages, openai.AssistantMessage(msg.Content))
		}
	}
	return messages
}

// containsAnyToken reports whether any token appears as a substring of the
// lowercased text.
func containsAnyToken(lower string, tokens []string) bool {
	for _, tok := range tokens {
		if strings.Contains(lower, tok) {
			return true
		}
	}
	return false
}
