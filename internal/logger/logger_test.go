package logger

import "testing"

func TestNewRejectsUnknownLevel(t *testing.T) {
	if _, err := New("loud", "production"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestNewBuildsDevelopmentLogger(t *testing.T) {
	log, err := New("debug", "development")
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	if !log.Core().Enabled(-1) {
		t.Fatalf("expected debug level to be enabled")
	}
}
