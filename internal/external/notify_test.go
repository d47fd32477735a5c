package external

import "testing"

func TestParseUrgencyDefaultsToNormal(t *testing.T) {
	got, err := ParseUrgency("")
	if err != nil || got != UrgencyNormal {
		t.Fatalf("got %v, %v", got, err)
	}
}

func TestParseUrgencyMapsHighToCritical(t *testing.T) {
	got, err := ParseUrgency("high")
	if err != nil || got != UrgencyCritical {
		t.Fatalf("got %v, %v", got, err)
	}
}

func TestParseUrgencyRejectsUnknown(t *testing.T) {
	if _, err := ParseUrgency("explosive"); err == nil {
		t.Fatalf("expected error for unknown urgency")
	}
}
