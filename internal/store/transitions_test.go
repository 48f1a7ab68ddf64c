package store

import "testing"

func TestValidTransition(t *testing.T) {
	cases := []struct {
		action string
		from   string
		valid  bool
	}{
		{"pull_next", "waiting", true},
		{"pull_next", "serving", false},
		{"pull_next", "expired", false},
		{"complete", "serving", true},
		{"complete", "waiting", false},
		{"complete", "done", false},
		{"complete", "expired", false},
		{"expire", "waiting", true},
		{"expire", "serving", false},
		{"expire", "done", false},
		{"unknown", "waiting", false},
	}

	for _, tt := range cases {
		if got := ValidTransition(tt.action, tt.from); got != tt.valid {
			t.Fatalf("ValidTransition(%q, %q)=%v, want %v", tt.action, tt.from, got, tt.valid)
		}
	}
}

func TestTargetStatus(t *testing.T) {
	cases := map[string]string{
		"pull_next": "serving",
		"complete":  "done",
		"expire":    "expired",
	}
	for action, want := range cases {
		got, ok := TargetStatus(action)
		if !ok || got != want {
			t.Fatalf("TargetStatus(%q)=%q,%v want %q", action, got, ok, want)
		}
	}
	if _, ok := TargetStatus("recall"); ok {
		t.Fatalf("expected unknown action to have no target")
	}
}

func TestTerminalStatusesNeverReopen(t *testing.T) {
	for _, status := range []string{"done", "expired"} {
		if !IsTerminal(status) {
			t.Fatalf("%s should be terminal", status)
		}
		for action := range transitionMap {
			if ValidTransition(action, status) {
				t.Fatalf("terminal status %s must not allow %s", status, action)
			}
		}
	}
	if IsTerminal("serving") || IsTerminal("waiting") {
		t.Fatalf("waiting and serving are not terminal")
	}
}
