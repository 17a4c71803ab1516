package clipboard

import "testing"

func TestLines(t *testing.T) {
	tests := []struct {
		in   []string
		want string
	}{
		{nil, ""},
		{[]string{"", "  "}, ""},
		{[]string{"你好", "", " 世界 "}, "你好\n世界"},
	}
	for _, tt := range tests {
		if got := Lines(tt.in); got != tt.want {
			t.Errorf("Lines(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCopyUnsupported(t *testing.T) {
	if Available() {
		t.Skip("clipboard utility present")
	}
	if err := Copy("x"); err != ErrUnsupported {
		t.Errorf("Copy = %v, want ErrUnsupported", err)
	}
}
