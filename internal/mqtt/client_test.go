package mqtt

import "testing"

func TestFormatTopic(t *testing.T) {
	if got := FormatTopic("alerts/{device_id}", "d1"); got != "alerts/d1" {
		t.Errorf("Expected alerts/d1, got %s", got)
	}
	if got := FormatTopic("alerts/all", "d1"); got != "alerts/all" {
		t.Errorf("Expected pattern without placeholder unchanged, got %s", got)
	}
	if got := FormatTopic("{device_id}/alerts/{device_id}", "x"); got != "x/alerts/x" {
		t.Errorf("Expected every placeholder replaced, got %s", got)
	}
}
