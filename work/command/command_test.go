package command

import "testing"

type countingStopper struct {
	calls int
}

func (c *countingStopper) RequestStop() bool {
	c.calls++
	return true
}

func TestInterpret(t *testing.T) {
	tests := []struct {
		name      string
		data      string
		wantToken string
		wantCalls int
	}{
		{"exact stop", "STOP", "STOP", 1},
		{"stop with newline", "STOP\r\n", "STOP", 1},
		{"short read", "STO", "", 0},
		{"empty read", "", "", 0},
		{"unknown command", "PLAY", "", 0},
		{"lowercase", "stop", "", 0},
		{"leading noise", " STOP", "", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &countingStopper{}
			in := New(s)

			if got := in.Interpret([]byte(tt.data)); got != tt.wantToken {
				t.Errorf("Interpret(%q) = %q, want %q", tt.data, got, tt.wantToken)
			}
			if s.calls != tt.wantCalls {
				t.Errorf("RequestStop called %d times, want %d", s.calls, tt.wantCalls)
			}
		})
	}
}

func TestInterpretSplitCommandIsNotReassembled(t *testing.T) {
	s := &countingStopper{}
	in := New(s)

	in.Interpret([]byte("ST"))
	in.Interpret([]byte("OP"))

	if s.calls != 0 {
		t.Errorf("split command must not match, got %d stops", s.calls)
	}
}
