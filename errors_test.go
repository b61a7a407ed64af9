package puma

import (
	"errors"
	"fmt"
	"testing"
)

func TestAsFault(t *testing.T) {
	base := errors.New("root cause")
	wrapped := fmt.Errorf("context: %w", base)

	f := AsFault("handler", wrapped)
	if f.Kind != "handler" {
		t.Errorf("Kind = %q, want %q", f.Kind, "handler")
	}
	if f.Message != wrapped.Error() {
		t.Errorf("Message = %q, want %q", f.Message, wrapped.Error())
	}
	if f.Cause != base.Error() {
		t.Errorf("Cause = %q, want %q", f.Cause, base.Error())
	}
}

func TestAsFault_Nil(t *testing.T) {
	if f := AsFault("x", nil); f != nil {
		t.Errorf("AsFault(nil) = %v, want nil", f)
	}
}

func TestAsFault_PassesFaultThrough(t *testing.T) {
	orig := NewFault("transport", "broken pipe")
	wrapped := fmt.Errorf("while sending: %w", orig)

	if got := AsFault("other", wrapped); got != orig {
		t.Errorf("AsFault() = %v, want the original fault", got)
	}
}

func TestFault_Error(t *testing.T) {
	tests := []struct {
		name  string
		fault *Fault
		want  string
	}{
		{
			name:  "kind and message",
			fault: &Fault{Kind: "tick", Message: "deadline skew"},
			want:  "tick: deadline skew",
		},
		{
			name:  "with cause",
			fault: &Fault{Kind: "transport", Message: "send failed", Cause: "broken pipe"},
			want:  "transport: send failed: broken pipe",
		},
		{
			name:  "message only",
			fault: &Fault{Message: "bare"},
			want:  "bare",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.fault.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}
