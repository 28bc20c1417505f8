package config

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateVersion(t *testing.T) {
	tests := []struct {
		version int
		reason  string
	}{
		{CurrentVersion, ""},
		{0, "invalid"},
		{-1, "invalid"},
		{CurrentVersion + 1, "newer than this build"},
	}
	for _, tt := range tests {
		err := ValidateVersion(tt.version)
		if tt.reason == "" {
			if err != nil {
				t.Errorf("version %d: unexpected error %v", tt.version, err)
			}
			continue
		}
		var ve *VersionError
		if !errors.As(err, &ve) {
			t.Fatalf("version %d: expected *VersionError, got %T", tt.version, err)
		}
		if ve.Reason != tt.reason {
			t.Errorf("version %d: reason = %q, want %q", tt.version, ve.Reason, tt.reason)
		}
	}
}

func TestVersionErrorMessages(t *testing.T) {
	var nilErr *VersionError
	if nilErr.Error() != "" {
		t.Error("nil VersionError should render empty")
	}
	if msg := (&VersionError{Version: 2, Current: 1, Reason: "newer than this build"}).Error(); !strings.Contains(msg, "upgrade loanagent") {
		t.Errorf("message = %q", msg)
	}
	if msg := (&VersionError{Version: 0, Current: 1}).Error(); !strings.Contains(msg, "unsupported") {
		t.Errorf("message = %q", msg)
	}
}
