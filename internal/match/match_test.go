package match

import (
	"testing"

	"github.com/forgecoord/bco/internal/model"
)

func TestMatchesCaseInsensitive(t *testing.T) {
	posix := model.TargetPlatform{
		Name:  "posix",
		Rules: []model.Rule{{Property: "family", Pattern: "posix"}},
	}
	tests := []struct {
		name  string
		props map[string]string
		want  bool
	}{
		{"exact", map[string]string{"family": "posix"}, true},
		{"upper", map[string]string{"family": "POSIX"}, true},
		{"mismatch", map[string]string{"family": "nt"}, false},
		{"missing property", map[string]string{}, false},
		{"empty value", map[string]string{"family": ""}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Matches(posix, tt.props); got != tt.want {
				t.Errorf("Matches(%v) = %v, want %v", tt.props, got, tt.want)
			}
		})
	}
}

func TestMatchesEmptyRulesMatchesAnySlave(t *testing.T) {
	any := model.TargetPlatform{Name: "any"}
	if !Matches(any, map[string]string{}) {
		t.Fatal("platform with no rules must match any slave")
	}
	if !Matches(any, map[string]string{"family": "nt"}) {
		t.Fatal("platform with no rules must match any slave")
	}
}

func TestMatchesInvalidPatternIsNonMatch(t *testing.T) {
	bad := model.TargetPlatform{
		Name:  "bad",
		Rules: []model.Rule{{Property: "family", Pattern: "("}},
	}
	if Matches(bad, map[string]string{"family": "posix"}) {
		t.Fatal("an uncompilable pattern must never match")
	}
}

func TestPlatformsFiltersAndPreservesOrder(t *testing.T) {
	p1 := model.TargetPlatform{ID: 1, Name: "posix", Rules: []model.Rule{{Property: "family", Pattern: "posix"}}}
	p2 := model.TargetPlatform{ID: 2, Name: "nt", Rules: []model.Rule{{Property: "family", Pattern: "nt"}}}
	p3 := model.TargetPlatform{ID: 3, Name: "any"}

	got := Platforms([]model.TargetPlatform{p1, p2, p3}, map[string]string{"family": "POSIX"})
	if len(got) != 2 || got[0].ID != 1 || got[1].ID != 3 {
		t.Fatalf("Platforms = %+v, want [p1, p3]", got)
	}
}
