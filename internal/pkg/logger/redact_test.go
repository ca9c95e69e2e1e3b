package logger

import "testing"

func TestRedactEmail(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"john.doe@example.com", "jo***@example.com"},
		{"ab@example.com", "***@example.com"},
		{"not-an-email", "***@***"},
		{"", "***@***"},
	}
	for _, tt := range tests {
		if got := RedactEmail(tt.in); got != tt.want {
			t.Errorf("RedactEmail(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRedactPhone(t *testing.T) {
	if got := RedactPhone("+15551234567"); got != "**********67" {
		t.Errorf("RedactPhone = %q", got)
	}
	if got := RedactPhone("1"); got != "**" {
		t.Errorf("RedactPhone short = %q", got)
	}
}
