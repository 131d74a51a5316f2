package personas

import "strings"

// GenderClass is the normalised gender bucket.
type GenderClass string

const (
	GenderUnknown GenderClass = ""
	GenderMale    GenderClass = "male"
	GenderFemale  GenderClass = "female"
)

var (
	maleVocabulary   = map[string]struct{}{"male": {}, "men": {}, "man": {}, "m": {}}
	femaleVocabulary = map[string]struct{}{"female": {}, "women": {}, "woman": {}, "f": {}}
)

// ClassifyGender maps a free-form gender value onto a GenderClass.
// Unrecognised values classify as GenderUnknown.
func ClassifyGender(gender string) GenderClass {
	normalized := strings.ToLower(strings.TrimSpace(gender))
	if _, ok := maleVocabulary[normalized]; ok {
		return GenderMale
	}
	if _, ok := femaleVocabulary[normalized]; ok {
		return GenderFemale
	}
	return GenderUnknown
}

func IsMalePersona(gender string) bool {
	return ClassifyGender(gender) == GenderMale
}

func IsFemalePersona(gender string) bool {
	return ClassifyGender(gender) == GenderFemale
}

// PreferredClass turns a "looking for" preference into the class to keep.
// Anything other than women/woman or men/man keeps everyone.
func PreferredClass(preference string) GenderClass {
	switch strings.ToLower(strings.TrimSpace(preference)) {
	case "women", "woman":
		return GenderFemale
	case "men", "man":
		return GenderMale
	default:
		return GenderUnknown
	}
}

// FilterByGenderPreference keeps the personas matching preference.
func FilterByGenderPreference(candidates []Persona, preference string) []Persona {
	class := PreferredClass(preference)
	if class == GenderUnknown {
		return candidates
	}
	kept := make([]Persona, 0, len(candidates))
	for _, persona := range candidates {
		if ClassifyGender(persona.Gender) == class {
			kept = append(kept, persona)
		}
	}
	return kept
}
