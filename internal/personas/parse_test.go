package personas

import (
	"testing"
	"time"
)

func TestParsePersonaMalformedPreferences(t *testing.T) {
	persona := ParsePersona(map[string]any{
		"id":          "persona-1",
		"username":    "sky",
		"gender":      "Female",
		"preferences": "{not valid json",
		"goals":       `{"relationship":"long-term"}`,
	})
	if persona.Preferences == nil || len(persona.Preferences) != 0 {
		t.Fatalf("expected empty preferences, got %#v", persona.Preferences)
	}
	if persona.Goals["relationship"] != "long-term" {
		t.Fatalf("expected goals to decode, got %#v", persona.Goals)
	}
	if persona.GenderClass != string(GenderFemale) {
		t.Fatalf("expected gender class to be derived, got %q", persona.GenderClass)
	}
}

func TestParsePersonaCoercesFields(t *testing.T) {
	persona := ParsePersona(map[string]any{
		"$id":            "persona-2",
		"name":           "River",
		"age":            "29",
		"interests":      []any{"hiking", "jazz"},
		"languages":      "english",
		"isVerified":     "true",
		"isActive":       false,
		"followingCount": 12.0,
		"preferences":    map[string]any{"ageRange": []any{25, 35}},
		"lastActive":     "2024-05-01T10:00:00Z",
	})
	if persona.PersonaID != "persona-2" || persona.DisplayName != "River" {
		t.Fatalf("unexpected identity %+v", persona)
	}
	if persona.Age != 29 || !persona.IsVerified || persona.IsActive || persona.FollowingCount != 12 {
		t.Fatalf("unexpected scalar coercion %+v", persona)
	}
	if len(persona.Interests) != 2 || persona.Interests[1] != "jazz" {
		t.Fatalf("unexpected interests %#v", persona.Interests)
	}
	if persona.Languages == nil || len(persona.Languages) != 0 {
		t.Fatalf("expected non-array languages to become empty, got %#v", persona.Languages)
	}
	if persona.PersonalityTraits == nil || len(persona.PersonalityTraits) != 0 {
		t.Fatalf("expected missing traits to become empty, got %#v", persona.PersonalityTraits)
	}
	if _, ok := persona.Preferences["ageRange"]; !ok {
		t.Fatalf("expected object preferences to be kept, got %#v", persona.Preferences)
	}
	if !persona.LastActiveAt.Equal(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected last active %v", persona.LastActiveAt)
	}
}

func TestParsePersonaDefaultsToActive(t *testing.T) {
	persona := ParsePersona(map[string]any{"id": "persona-3", "goals": 42})
	if !persona.IsActive {
		t.Fatalf("expected persona without isActive to be active")
	}
	if persona.Goals == nil || len(persona.Goals) != 0 {
		t.Fatalf("expected scalar goals to become empty, got %#v", persona.Goals)
	}
}

func TestDocumentScanToleratesGarbage(t *testing.T) {
	var document Document
	if err := document.Scan("{broken"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if document == nil || len(document) != 0 {
		t.Fatalf("expected empty document, got %#v", document)
	}
	var list StringList
	if err := list.Scan([]byte(`"not-a-list"`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if list == nil || len(list) != 0 {
		t.Fatalf("expected empty list, got %#v", list)
	}
}
