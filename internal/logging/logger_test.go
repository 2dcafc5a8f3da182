package logging

import "testing"

func TestNewLogger_Levels(t *testing.T) {
	logger, err := NewLogger("test", "debug")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !logger.Core().Enabled(-1) {
		t.Error("Expected debug level to be enabled")
	}

	logger, err = NewLogger("test", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if logger.Core().Enabled(-1) {
		t.Error("Expected info to be the default level")
	}
}

func TestNewLogger_InvalidLevel(t *testing.T) {
	if _, err := NewLogger("test", "loud"); err == nil {
		t.Error("Expected error for unknown level")
	}
}
