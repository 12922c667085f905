package flow

import (
	"testing"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

func TestMatchMenuOption(t *testing.T) {
	menu := models.MenuResponseData{
		Options: []models.MenuOption{
			{ID: "opt-sales", Value: "Sales", MatchType: models.MatchContains},
			{ID: "opt-two", Value: "2", MatchType: models.MatchNumber},
			{ID: "opt-third", Value: "support", MatchType: models.MatchNumber},
			{ID: "opt-exact", Value: "Help"},
		},
	}
	tests := []struct {
		reply  string
		wantID string
		wantOK bool
	}{
		{"I want to talk to SALES", "opt-sales", true},
		{"2", "opt-two", true},
		{" 3 ", "opt-third", true},
		{"help", "opt-exact", true},
		{"help me", "", false},
		{"7", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.reply, func(t *testing.T) {
			id, ok := matchMenuOption(menu, tt.reply)
			if id != tt.wantID || ok != tt.wantOK {
				t.Errorf("matchMenuOption(%q) = %q, %v; want %q, %v", tt.reply, id, ok, tt.wantID, tt.wantOK)
			}
		})
	}
}

func TestMatchMenuOptionDefaultMatchType(t *testing.T) {
	menu := models.MenuResponseData{
		MatchType: models.MatchContains,
		Options:   []models.MenuOption{{ID: "a", Value: "price"}},
	}
	if id, ok := matchMenuOption(menu, "what is the price?"); !ok || id != "a" {
		t.Errorf("expected node-level contains match, got %q, %v", id, ok)
	}
}
