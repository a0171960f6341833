package flow

import (
	"strings"

	"github.com/mindframe/cbtcoach/internal/models"
)

// Phases lists the five session phases in their scripted order.
var Phases = []models.StateType{
	models.StateAgenda,
	models.StateExploration,
	models.StateTechnique,
	models.StateHomework,
	models.StateClosing,
}

// phaseSynonyms maps classifier replies (lowercased) to canonical phases.
// "explore" is the one non-identity synonym the classifier is known to emit.
var phaseSynonyms = map[string]models.StateType{
	"agenda":      models.StateAgenda,
	"exploration": models.StateExploration,
	"explore":     models.StateExploration,
	"technique":   models.StateTechnique,
	"homework":    models.StateHomework,
	"closing":     models.StateClosing,
}

// ParsePhase maps a raw classifier reply to a canonical phase. The second
// return value is false when the reply is not a recognized phase name; the
// caller then retains its current phase.
func ParsePhase(raw string) (models.StateType, bool) {
	phase, ok := phaseSynonyms[strings.ToLower(strings.TrimSpace(raw))]
	return phase, ok
}
