package db

import (
	"strings"
	"testing"
)

func TestMaskPassword(t *testing.T) {
	got := maskPassword("postgres://app:s3cret@db:5432/telemetry")
	if strings.Contains(got, "s3cret") {
		t.Errorf("Expected password to be masked, got %s", got)
	}
	if !strings.Contains(got, "app:") || !strings.Contains(got, "@db:5432") {
		t.Errorf("Expected user and host to be kept, got %s", got)
	}
}

func TestMaskPassword_NoCredentials(t *testing.T) {
	if got := maskPassword("mongodb://localhost:27017"); got != "mongodb://localhost:27017" {
		t.Errorf("Expected URI unchanged, got %s", got)
	}
	if got := maskPassword(""); got != "<empty>" {
		t.Errorf("Expected <empty>, got %s", got)
	}
}
