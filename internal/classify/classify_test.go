package classify

import "testing"

func ptr(s string) *string { return &s }

func TestClassifyCallLabels(t *testing.T) {
	tests := []struct {
		label string
		want  Code
	}{
		{"HORIZON-ERC-2022-STG-2", "STG"},
		{"ERC-2023-AdG", "ADG"},
		{"erc-2024-poc-ls", "POC"},
		{"ERC-2021-CoG", "COG"},
		{"ERC-2020-SyG", "SYG"},
		{"HORIZON-ERC-2023-CSA-SJI", "CSA"},
		{"STG call", "STG"},
		{"unknown", Uncategorized},
	}
	for _, tt := range tests {
		if got := Classify(tt.label); got != tt.want {
			t.Errorf("Classify(%q) = %s, want %s", tt.label, got, tt.want)
		}
	}
}

func TestClassifyFirstRuleWins(t *testing.T) {
	// ADG appears first in the label but STG is declared first.
	if got := Classify("ADG-then-STG"); got != "STG" {
		t.Errorf("expected STG, got %s", got)
	}

	c, err := New(Rules{Version: 2, Tokens: []Rule{{Token: "adg", Code: "ADG"}, {Token: "stg", Code: "STG"}}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := c.Classify("ADG-then-STG"); got != "ADG" {
		t.Errorf("expected ADG with reordered rules, got %s", got)
	}
	if c.Version() != 2 {
		t.Errorf("expected version 2, got %d", c.Version())
	}
}

func TestClassifyEmptyAndNil(t *testing.T) {
	if got := Classify(""); got != Uncategorized {
		t.Errorf("expected sentinel for empty label, got %s", got)
	}
	if got := Of(nil); got != Uncategorized {
		t.Errorf("expected sentinel for nil label, got %s", got)
	}
	if got := Of(ptr("ERC-2022-StG")); got != "STG" {
		t.Errorf("expected STG, got %s", got)
	}
}

func TestNewRejectsEmptyRules(t *testing.T) {
	if _, err := New(Rules{Tokens: []Rule{{Token: "  ", Code: "X"}}}); err == nil {
		t.Error("expected error for empty token")
	}
	if _, err := New(Rules{Tokens: []Rule{{Token: "STG"}}}); err == nil {
		t.Error("expected error for empty code")
	}
}

func TestCodesAndRank(t *testing.T) {
	c, _ := New(Default)
	codes := c.Codes()
	if codes[0] != "STG" || codes[len(codes)-1] != Uncategorized {
		t.Errorf("unexpected codes %v", codes)
	}
	if c.Rank("STG") >= c.Rank("ADG") {
		t.Error("expected STG to rank before ADG")
	}
	if c.Rank(Uncategorized) >= c.Rank("Experts") {
		t.Error("expected unknown codes after the sentinel")
	}
}
