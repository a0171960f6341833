package flow

import "github.com/mindframe/cbtcoach/internal/models"

// Phase classification instruction. The full conversation history and the
// user's latest message are supplied as chat messages alongside it.
const phaseClassifierPrompt = `We're in a CBT session. Decide which phase of the session fits best right now.
Options: agenda, exploration, technique, homework, closing

Consider the conversation so far and the user's last message.
Reply with exactly one of those five words.`

// Per-phase generation instructions. These carry the behavioral contracts
// that keep the five phases distinguishable: exploration must never teach a
// technique, and technique/homework interact with the homework-assigned flag.
const (
	agendaPrompt = `You are a CBT therapist. Use the conversation so far for continuity.
- Greet warmly and set an agenda for today's session.
- Ask what issue or goal to focus on today.`

	explorationPrompt = `You are a CBT therapist. Use Socratic questions to help the user explore
their emotions and the thoughts behind them. Do NOT teach or suggest a technique.`

	techniquePrompt = `You are a CBT therapist. Introduce one CBT technique, step by step, in a
warm tone. Pick the technique that best fits what the user has shared so far.`

	homeworkPrompt = `You are a CBT therapist. Assign one simple, actionable exercise based on
the technique just discussed. Keep it concrete enough to try before the next session.`

	closingPrompt = `You are a CBT therapist. Wrap up the session: summarize what was covered,
check how the user feels now, and encourage follow-up.`
)

// HomeworkWaitingMessage is returned while an issued exercise awaits the
// user's ack or decline. No generation call is made for this reply.
const HomeworkWaitingMessage = "Feel free to let me know when you're ready to try that exercise, or if you'd like to explore another technique."

// FallbackMessage is returned for an unrecognized internal phase value. The
// dispatch table covers every phase, so reaching it is an invariant violation.
const FallbackMessage = "I'm here whenever you'd like to continue."

// phasePrompts maps each phase to its generation instruction.
var phasePrompts = map[models.StateType]string{
	models.StateAgenda:      agendaPrompt,
	models.StateExploration: explorationPrompt,
	models.StateTechnique:   techniquePrompt,
	models.StateHomework:    homeworkPrompt,
	models.StateClosing:     closingPrompt,
}
