package router

import "testing"

func TestResolveBindingFirstMatchWins(t *testing.T) {
	bindings := []Binding{
		{AgentID: "support", Match: Match{Channel: "whatsapp", PeerID: "vip*"}},
		{AgentID: "default", Match: Match{}},
	}
	agent, ok := ResolveBinding(bindings, "whatsapp", "", "vip-42")
	if !ok || agent != "support" {
		t.Fatalf("expected support match, got %q ok=%v", agent, ok)
	}
	agent, ok = ResolveBinding(bindings, "telegram", "", "anyone")
	if !ok || agent != "default" {
		t.Fatalf("expected catch-all default, got %q ok=%v", agent, ok)
	}
}

func TestGlobMatchVariants(t *testing.T) {
	cases := []struct {
		pattern, value string
		want           bool
	}{
		{"*", "anything", true},
		{"", "anything", true},
		{"vip*", "vip-42", true},
		{"vip*", "novip", false},
		{"*-42", "vip-42", true},
		{"*-42", "vip-43", false},
		{"*mid*", "xxmidyy", true},
		{"exact", "exact", true},
		{"exact", "notexact", false},
	}
	for _, c := range cases {
		if got := globMatch(c.pattern, c.value); got != c.want {
			t.Errorf("globMatch(%q, %q) = %v, want %v", c.pattern, c.value, got, c.want)
		}
	}
}

func TestResolveBindingNoMatch(t *testing.T) {
	_, ok := ResolveBinding([]Binding{{AgentID: "x", Match: Match{Channel: "slack"}}}, "telegram", "", "")
	if ok {
		t.Fatalf("expected no match")
	}
}
