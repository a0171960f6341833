package flow

import (
	"testing"

	"github.com/mindframe/cbtcoach/internal/models"
)

func TestParsePhase(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		want  models.StateType
		valid bool
	}{
		{"canonical agenda", "agenda", models.StateAgenda, true},
		{"canonical exploration", "exploration", models.StateExploration, true},
		{"explore synonym", "explore", models.StateExploration, true},
		{"mixed case", "Explore", models.StateExploration, true},
		{"upper case", "CLOSING", models.StateClosing, true},
		{"surrounding whitespace", "  homework \n", models.StateHomework, true},
		{"technique", "technique", models.StateTechnique, true},
		{"unrecognized word", "banana", "", false},
		{"empty", "", "", false},
		{"sentence not a word", "the technique phase", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParsePhase(tt.raw)
			if ok != tt.valid {
				t.Fatalf("ParsePhase(%q) valid = %v, want %v", tt.raw, ok, tt.valid)
			}
			if ok && got != tt.want {
				t.Errorf("ParsePhase(%q) = %s, want %s", tt.raw, got, tt.want)
			}
		})
	}
}

func TestPhasesOrder(t *testing.T) {
	want := []models.StateType{
		models.StateAgenda,
		models.StateExploration,
		models.StateTechnique,
		models.StateHomework,
		models.StateClosing,
	}
	if len(Phases) != len(want) {
		t.Fatalf("expected %d phases, got %d", len(want), len(Phases))
	}
	for i, phase := range want {
		if Phases[i] != phase {
			t.Errorf("Phases[%d] = %s, want %s", i, Phases[i], phase)
		}
	}
}
