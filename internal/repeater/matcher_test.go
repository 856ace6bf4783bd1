package repeater

import "testing"

func TestMatcherHeuristics(t *testing.T) {
	cases := []struct {
		command string
		reply   string
		want    bool
	}{
		{"get radio", "> 869.525,250.0,11,5", true},
		{"get radio", "869.525,250", false},
		{"get radio", "22", false},
		{"get tx", "> 22", true},
		{"get tx", "-3", true},
		{"get tx", "OK", false},
		{"get tx", "1.5", false},
		{"set tx 20", "OK", true},
		{"set tx 20", "ok", true},
		{"set tx 20", "20", true},
		{"set tx 20", "Error: bad value", false},
		{"get name", "anything at all", true},
		{"ver", "v1.7.0 (Build: 1 Jun 2025)", true},
		{"", "x", true},
	}
	for _, tc := range cases {
		if got := MatcherFor(tc.command)(tc.reply); got != tc.want {
			t.Fatalf("MatcherFor(%q)(%q)=%v want %v", tc.command, tc.reply, got, tc.want)
		}
	}
}

func TestUnknownCommandDetection(t *testing.T) {
	for _, reply := range []string{"Error: unknown command", "> Unknown command", "unknown command: board"} {
		if !isUnknownCommand(reply) {
			t.Fatalf("%q not detected", reply)
		}
	}
	if isUnknownCommand("OK") {
		t.Fatalf("OK detected as unknown command")
	}
}
