package ids

import "testing"

func TestUUIDProviderIssuesSortableIdentifiers(t *testing.T) {
	provider := NewUUIDProvider()
	first, err := provider.NewID()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := provider.NewID()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first == second {
		t.Fatalf("expected distinct identifiers, got %s twice", first)
	}
	if second < first {
		t.Fatalf("expected %s to sort after %s", second, first)
	}
}

func TestSequenceExhausts(t *testing.T) {
	sequence := NewSequence("a")
	if value, err := sequence.NewID(); err != nil || value != "a" {
		t.Fatalf("unexpected first value %q (%v)", value, err)
	}
	if _, err := sequence.NewID(); err == nil {
		t.Fatalf("expected exhausted sequence error")
	}
}
