package flow

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/openai/openai-go"

	"github.com/mindframe/cbtcoach/internal/genai"
	"github.com/mindframe/cbtcoach/internal/models"
	"github.com/mindframe/cbtcoach/internal/store"
)

// mockGenAIClient satisfies genai.ClientInterface with canned replies.
// Classification uses GenerateWithMessages and phase replies use
// GenerateStreamWithMessages, so tests that pass a sink can count the two
// kinds of calls independently.
type mockGenAIClient struct {
	mu sync.Mutex

	classifyReplies []string
	classifyErr     error
	classifyCalls   int

	generateReplies []string
	generateErr     error
	generateCalls   int
}

func (m *mockGenAIClient) GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.classifyCalls++
	if m.classifyErr != nil {
		return "", m.classifyErr
	}
	if len(m.classifyReplies) == 0 {
		return "", nil
	}
	reply := m.classifyReplies[0]
	m.classifyReplies = m.classifyReplies[1:]
	return reply, nil
}

func (m *mockGenAIClient) GenerateStreamWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, sink genai.StreamSink) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generateCalls++
	if m.generateErr != nil {
		return "", m.generateErr
	}
	reply := "generated reply"
	if len(m.generateReplies) > 0 {
		reply = m.generateReplies[0]
		m.generateReplies = m.generateReplies[1:]
	}
	if sink != nil {
		// Deliver in two chunks to exercise incremental assembly.
		mid := len(reply) / 2
		sink(reply[:mid])
		sink(reply[mid:])
	}
	return reply, nil
}

func newTestFlow(t *testing.T, client *mockGenAIClient) (*SessionFlow, StateManager) {
	t.Helper()
	sm := NewStoreBasedStateManager(store.NewInMemoryStore())
	return NewSessionFlow(sm, client, nil), sm
}

func seedHomeworkWait(t *testing.T, sm StateManager, participantID string) {
	t.Helper()
	ctx := context.Background()
	if err := sm.SetCurrentState(ctx, participantID, models.FlowTypeSession, models.StateHomework); err != nil {
		t.Fatalf("failed to seed phase: %v", err)
	}
	if err := sm.SetStateData(ctx, participantID, models.FlowTypeSession, models.DataKeyHomeworkAssigned, "true"); err != nil {
		t.Fatalf("failed to seed homework flag: %v", err)
	}
}

func currentPhase(t *testing.T, sm StateManager, participantID string) models.StateType {
	t.Helper()
	phase, err := sm.GetCurrentState(context.Background(), participantID, models.FlowTypeSession)
	if err != nil {
		t.Fatalf("failed to get phase: %v", err)
	}
	return phase
}

func homeworkFlag(t *testing.T, sm StateManager, participantID string) string {
	t.Helper()
	raw, err := sm.GetStateData(context.Background(), participantID, models.FlowTypeSession, models.DataKeyHomeworkAssigned)
	if err != nil {
		t.Fatalf("failed to get homework flag: %v", err)
	}
	return raw
}

func storedHistory(t *testing.T, sm StateManager, participantID string) ConversationHistory {
	t.Helper()
	raw, err := sm.GetStateData(context.Background(), participantID, models.FlowTypeSession, models.DataKeySessionHistory)
	if err != nil {
		t.Fatalf("failed to get history: %v", err)
	}
	var history ConversationHistory
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &history); err != nil {
			t.Fatalf("failed to parse history: %v", err)
		}
	}
	return history
}

// assertHomeworkInvariant checks that the homework flag is only ever true
// while the session sits in the homework phase.
func assertHomeworkInvariant(t *testing.T, sm StateManager, participantID string) {
	t.Helper()
	if homeworkFlag(t, sm, participantID) == "true" && currentPhase(t, sm, participantID) != models.StateHomework {
		t.Errorf("homework flag is true outside homework phase (phase=%s)", currentPhase(t, sm, participantID))
	}
}

func TestProcessResponseFirstTurnStartsInAgenda(t *testing.T) {
	client := &mockGenAIClient{
		classifyReplies: []string{"agenda"},
		generateReplies: []string{"Welcome! What would you like to focus on today?"},
	}
	flow, sm := newTestFlow(t, client)

	var streamed strings.Builder
	reply, err := flow.ProcessResponse(context.Background(), "p1", "hi there", func(chunk string) {
		streamed.WriteString(chunk)
	})
	if err != nil {
		t.Fatalf("ProcessResponse failed: %v", err)
	}
	if reply != "Welcome! What would you like to focus on today?" {
		t.Errorf("unexpected reply: %q", reply)
	}
	if streamed.String() != reply {
		t.Errorf("streamed text %q does not match reply %q", streamed.String(), reply)
	}
	if phase := currentPhase(t, sm, "p1"); phase != models.StateAgenda {
		t.Errorf("expected phase %s, got %s", models.StateAgenda, phase)
	}
	history := storedHistory(t, sm, "p1")
	if len(history.Messages) != 2 {
		t.Fatalf("expected 2 history messages, got %d", len(history.Messages))
	}
	if history.Messages[0].Role != "user" || history.Messages[1].Role != "assistant" {
		t.Errorf("unexpected history roles: %s, %s", history.Messages[0].Role, history.Messages[1].Role)
	}
	assertHomeworkInvariant(t, sm, "p1")
}

func TestHomeworkAckSkipsClassifierAndCloses(t *testing.T) {
	client := &mockGenAIClient{
		generateReplies: []string{"Great work today. Take care until next time."},
	}
	flow, sm := newTestFlow(t, client)
	seedHomeworkWait(t, sm, "p1")

	reply, err := flow.ProcessResponse(context.Background(), "p1", "thanks, will try", func(string) {})
	if err != nil {
		t.Fatalf("ProcessResponse failed: %v", err)
	}
	if client.classifyCalls != 0 {
		t.Errorf("expected no classifier calls during homework wait, got %d", client.classifyCalls)
	}
	if client.generateCalls != 1 {
		t.Errorf("expected 1 generation call for the closing reply, got %d", client.generateCalls)
	}
	if reply != "Great work today. Take care until next time." {
		t.Errorf("unexpected reply: %q", reply)
	}
	// Closing completes the session and resets for a fresh one.
	if phase := currentPhase(t, sm, "p1"); phase != models.StateAgenda {
		t.Errorf("expected post-closing reset to %s, got %s", models.StateAgenda, phase)
	}
	if flag := homeworkFlag(t, sm, "p1"); flag != "false" {
		t.Errorf("expected homework flag false after closing, got %q", flag)
	}
	history := storedHistory(t, sm, "p1")
	if len(history.Messages) != 2 {
		t.Errorf("expected transcript to survive the reset, got %d messages", len(history.Messages))
	}
	assertHomeworkInvariant(t, sm, "p1")
}

func TestHomeworkDeclineReturnsToTechnique(t *testing.T) {
	client := &mockGenAIClient{
		generateReplies: []string{"Let's try a different technique instead."},
	}
	flow, sm := newTestFlow(t, client)
	seedHomeworkWait(t, sm, "p1")

	_, err := flow.ProcessResponse(context.Background(), "p1", "no thanks, not that exercise", func(string) {})
	if err != nil {
		t.Fatalf("ProcessResponse failed: %v", err)
	}
	if client.classifyCalls != 0 {
		t.Errorf("expected no classifier calls during homework wait, got %d", client.classifyCalls)
	}
	if phase := currentPhase(t, sm, "p1"); phase != models.StateTechnique {
		t.Errorf("expected phase %s, got %s", models.StateTechnique, phase)
	}
	if flag := homeworkFlag(t, sm, "p1"); flag != "false" {
		t.Errorf("expected homework flag reset on decline, got %q", flag)
	}
	assertHomeworkInvariant(t, sm, "p1")
}

func TestHomeworkAmbiguousReplyStaysWaiting(t *testing.T) {
	inputs := []struct {
		name string
		text string
	}{
		// "not sure" carries the decline token "not" and the ack substring
		// "sure"; the decline must win and keep the session waiting.
		{"decline overlapping ack substring", "hmm not sure"},
		{"bare decline without exercise", "nothing right now"},
		{"no tokens at all", "maybe later"},
	}

	for _, tt := range inputs {
		t.Run(tt.name, func(t *testing.T) {
			client := &mockGenAIClient{}
			flow, sm := newTestFlow(t, client)
			seedHomeworkWait(t, sm, "p1")

			reply, err := flow.ProcessResponse(context.Background(), "p1", tt.text, func(string) {})
			if err != nil {
				t.Fatalf("ProcessResponse failed: %v", err)
			}
			if reply != HomeworkWaitingMessage {
				t.Errorf("expected waiting message, got %q", reply)
			}
			if client.classifyCalls != 0 || client.generateCalls != 0 {
				t.Errorf("expected no model calls, got classify=%d generate=%d", client.classifyCalls, client.generateCalls)
			}
			if phase := currentPhase(t, sm, "p1"); phase != models.StateHomework {
				t.Errorf("expected phase %s, got %s", models.StateHomework, phase)
			}
			if flag := homeworkFlag(t, sm, "p1"); flag != "true" {
				t.Errorf("expected homework flag to stay true, got %q", flag)
			}
		})
	}
}

func TestHomeworkAssignsExerciseExactlyOnce(t *testing.T) {
	client := &mockGenAIClient{
		classifyReplies: []string{"homework"},
		generateReplies: []string{"Try a thought record this week."},
	}
	flow, sm := newTestFlow(t, client)
	if err := sm.SetCurrentState(context.Background(), "p1", models.FlowTypeSession, models.StateTechnique); err != nil {
		t.Fatalf("failed to seed phase: %v", err)
	}

	reply, err := flow.ProcessResponse(context.Background(), "p1", "that technique makes sense, what should I practice?", func(string) {})
	if err != nil {
		t.Fatalf("ProcessResponse failed: %v", err)
	}
	if reply != "Try a thought record this week." {
		t.Errorf("unexpected reply: %q", reply)
	}
	if client.generateCalls != 1 {
		t.Errorf("expected 1 generation call, got %d", client.generateCalls)
	}
	if phase := currentPhase(t, sm, "p1"); phase != models.StateHomework {
		t.Errorf("expected phase %s, got %s", models.StateHomework, phase)
	}
	if flag := homeworkFlag(t, sm, "p1"); flag != "true" {
		t.Errorf("expected homework flag true after assignment, got %q", flag)
	}

	// The next ambiguous turn must not generate a second exercise.
	reply, err = flow.ProcessResponse(context.Background(), "p1", "hmm", func(string) {})
	if err != nil {
		t.Fatalf("second turn failed: %v", err)
	}
	if reply != HomeworkWaitingMessage {
		t.Errorf("expected waiting message on second turn, got %q", reply)
	}
	if client.generateCalls != 1 {
		t.Errorf("expected still 1 generation call, got %d", client.generateCalls)
	}
}

func TestClassifierExploreSynonymAndCase(t *testing.T) {
	client := &mockGenAIClient{
		classifyReplies: []string{"Explore"},
		generateReplies: []string{"What was going through your mind then?"},
	}
	flow, sm := newTestFlow(t, client)

	_, err := flow.ProcessResponse(context.Background(), "p1", "I keep ruminating about work", func(string) {})
	if err != nil {
		t.Fatalf("ProcessResponse failed: %v", err)
	}
	if phase := currentPhase(t, sm, "p1"); phase != models.StateExploration {
		t.Errorf("expected phase %s, got %s", models.StateExploration, phase)
	}
}

func TestClassifierUnrecognizedReplyRetainsPhase(t *testing.T) {
	client := &mockGenAIClient{
		classifyReplies: []string{"banana"},
		generateReplies: []string{"Tell me more about that."},
	}
	flow, sm := newTestFlow(t, client)
	if err := sm.SetCurrentState(context.Background(), "p1", models.FlowTypeSession, models.StateExploration); err != nil {
		t.Fatalf("failed to seed phase: %v", err)
	}

	_, err := flow.ProcessResponse(context.Background(), "p1", "something vague", func(string) {})
	if err != nil {
		t.Fatalf("ProcessResponse failed: %v", err)
	}
	if phase := currentPhase(t, sm, "p1"); phase != models.StateExploration {
		t.Errorf("expected phase retained as %s, got %s", models.StateExploration, phase)
	}
}

func TestClassificationErrorPropagates(t *testing.T) {
	client := &mockGenAIClient{classifyErr: errors.New("rate limited")}
	flow, _ := newTestFlow(t, client)

	_, err := flow.ProcessResponse(context.Background(), "p1", "hello", func(string) {})
	if err == nil {
		t.Fatal("expected an error")
	}
	if !errors.Is(err, ErrClassification) {
		t.Errorf("expected ErrClassification, got %v", err)
	}
}

func TestEmptyClassifierReplyIsClassificationError(t *testing.T) {
	client := &mockGenAIClient{classifyReplies: []string{"   "}}
	flow, _ := newTestFlow(t, client)

	_, err := flow.ProcessResponse(context.Background(), "p1", "hello", func(string) {})
	if !errors.Is(err, ErrClassification) {
		t.Errorf("expected ErrClassification for empty reply, got %v", err)
	}
}

func TestGenerationErrorPropagatesAfterTransition(t *testing.T) {
	client := &mockGenAIClient{
		classifyReplies: []string{"technique"},
		generateErr:     errors.New("upstream timeout"),
	}
	flow, sm := newTestFlow(t, client)

	_, err := flow.ProcessResponse(context.Background(), "p1", "can you teach me something for this?", func(string) {})
	if err == nil {
		t.Fatal("expected an error")
	}
	if !errors.Is(err, ErrGeneration) {
		t.Errorf("expected ErrGeneration, got %v", err)
	}
	// The transition was decided before generation, so it survives the failure.
	if phase := currentPhase(t, sm, "p1"); phase != models.StateTechnique {
		t.Errorf("expected phase %s persisted despite generation failure, got %s", models.StateTechnique, phase)
	}
}

func TestDeclineGenerationFailurePersistsFlagReset(t *testing.T) {
	client := &mockGenAIClient{generateErr: errors.New("upstream timeout")}
	flow, sm := newTestFlow(t, client)
	seedHomeworkWait(t, sm, "p1")

	_, err := flow.ProcessResponse(context.Background(), "p1", "no thanks, not that exercise", func(string) {})
	if !errors.Is(err, ErrGeneration) {
		t.Fatalf("expected ErrGeneration, got %v", err)
	}
	// The decline was decided before generation, so both the phase and the
	// flag reset must already be stored despite the failure.
	if phase := currentPhase(t, sm, "p1"); phase != models.StateTechnique {
		t.Errorf("expected phase %s persisted, got %s", models.StateTechnique, phase)
	}
	if flag := homeworkFlag(t, sm, "p1"); flag != "false" {
		t.Errorf("expected homework flag reset persisted, got %q", flag)
	}
	assertHomeworkInvariant(t, sm, "p1")

	// With the flag cleared, a later homework classification issues a fresh
	// exercise instead of the waiting literal.
	client.generateErr = nil
	client.classifyReplies = []string{"homework"}
	client.generateReplies = []string{"Try a thought record this week."}

	reply, err := flow.ProcessResponse(context.Background(), "p1", "okay, what should I practice?", func(string) {})
	if err != nil {
		t.Fatalf("second turn failed: %v", err)
	}
	if reply != "Try a thought record this week." {
		t.Errorf("expected a fresh exercise, got %q", reply)
	}
	if flag := homeworkFlag(t, sm, "p1"); flag != "true" {
		t.Errorf("expected homework flag true after assignment, got %q", flag)
	}
}

func TestClosingClassificationResetsSession(t *testing.T) {
	client := &mockGenAIClient{
		classifyReplies: []string{"closing"},
		generateReplies: []string{"We covered a lot today. How are you feeling now?"},
	}
	flow, sm := newTestFlow(t, client)
	if err := sm.SetCurrentState(context.Background(), "p1", models.FlowTypeSession, models.StateExploration); err != nil {
		t.Fatalf("failed to seed phase: %v", err)
	}

	_, err := flow.ProcessResponse(context.Background(), "p1", "I think I'm done for today", func(string) {})
	if err != nil {
		t.Fatalf("ProcessResponse failed: %v", err)
	}
	if phase := currentPhase(t, sm, "p1"); phase != models.StateAgenda {
		t.Errorf("expected reset to %s, got %s", models.StateAgenda, phase)
	}
	if flag := homeworkFlag(t, sm, "p1"); flag != "false" {
		t.Errorf("expected homework flag false, got %q", flag)
	}
	if history := storedHistory(t, sm, "p1"); len(history.Messages) == 0 {
		t.Error("expected transcript to survive session reset")
	}
}

func TestUserInputSoftenedBeforeStorage(t *testing.T) {
	client := &mockGenAIClient{
		classifyReplies: []string{"exploration"},
		generateReplies: []string{"That sounds heavy. When did it start?"},
	}
	flow, sm := newTestFlow(t, client)

	_, err := flow.ProcessResponse(context.Background(), "p1", "I feel hopeless and depressed", func(string) {})
	if err != nil {
		t.Fatalf("ProcessResponse failed: %v", err)
	}
	history := storedHistory(t, sm, "p1")
	if len(history.Messages) == 0 {
		t.Fatal("expected history messages")
	}
	got := history.Messages[0].Content
	if strings.Contains(strings.ToLower(got), "hopeless") || strings.Contains(strings.ToLower(got), "depressed") {
		t.Errorf("expected softened user message, got %q", got)
	}
	if !strings.Contains(got, "emotionally drained") || !strings.Contains(got, "feeling low") {
		t.Errorf("expected replacement phrases in %q", got)
	}
}

func TestSetHeuristicTokensOverridesDefaults(t *testing.T) {
	client := &mockGenAIClient{
		generateReplies: []string{"Closing it out."},
	}
	flow, sm := newTestFlow(t, client)
	flow.SetHeuristicTokens([]string{"done"}, []string{"skip"})
	seedHomeworkWait(t, sm, "p1")

	// "thanks" is no longer an ack token, so this stays in homework.
	reply, err := flow.ProcessResponse(context.Background(), "p1", "thanks", func(string) {})
	if err != nil {
		t.Fatalf("ProcessResponse failed: %v", err)
	}
	if reply != HomeworkWaitingMessage {
		t.Errorf("expected waiting message with custom tokens, got %q", reply)
	}

	reply, err = flow.ProcessResponse(context.Background(), "p1", "all done", func(string) {})
	if err != nil {
		t.Fatalf("second turn failed: %v", err)
	}
	if reply != "Closing it out." {
		t.Errorf("expected closing reply for custom ack token, got %q", reply)
	}
}

func TestNonStreamingUsesBlockingGeneration(t *testing.T) {
	client := &mockGenAIClient{
		// First blocking call classifies, second produces the reply.
		classifyReplies: []string{"agenda", "Welcome back."},
	}
	flow, _ := newTestFlow(t, client)
	flow.SetStreaming(false)

	reply, err := flow.ProcessResponse(context.Background(), "p1", "hi", nil)
	if err != nil {
		t.Fatalf("ProcessResponse failed: %v", err)
	}
	if reply != "Welcome back." {
		t.Errorf("unexpected reply: %q", reply)
	}
	if client.generateCalls != 0 {
		t.Errorf("expected no streaming calls, got %d", client.generateCalls)
	}
	if client.classifyCalls != 2 {
		t.Errorf("expected 2 blocking calls, got %d", client.classifyCalls)
	}
}

func TestMissingDependenciesRejected(t *testing.T) {
	flow := NewSessionFlow(nil, nil, nil)
	_, err := flow.ProcessResponse(context.Background(), "p1", "hi", nil)
	if err == nil {
		t.Error("expected error for uninitialized dependencies")
	}
}
