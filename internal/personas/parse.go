package personas

import (
	"strings"

	"github.com/spf13/cast"
)

var idKeys = []string{"personaId", "id", "$id"}

// ParsePersona decodes an imported persona document. It never fails: nested
// objects that are malformed become empty documents, list fields that are
// missing or not arrays become empty lists, and scalars are coerced.
func ParsePersona(raw map[string]any) Persona {
	persona := Persona{
		PersonaID:         PersonaID(firstString(raw, idKeys...)),
		Username:          cast.ToString(raw["username"]),
		DisplayName:       firstString(raw, "displayName", "name"),
		Gender:            cast.ToString(raw["gender"]),
		Age:               cast.ToInt(raw["age"]),
		Location:          cast.ToString(raw["location"]),
		Bio:               cast.ToString(raw["bio"]),
		AvatarURL:         firstString(raw, "avatarUrl", "avatar"),
		Interests:         parseList(raw["interests"]),
		PersonalityTraits: parseList(raw["personalityTraits"]),
		Languages:         parseList(raw["languages"]),
		IsVerified:        cast.ToBool(raw["isVerified"]),
		IsPremium:         cast.ToBool(raw["isPremium"]),
		IsActive:          true,
		FollowingCount:    cast.ToInt64(raw["followingCount"]),
		TotalChats:        cast.ToInt64(raw["totalChats"]),
		TotalMatches:      cast.ToInt64(raw["totalMatches"]),
		Preferences:       parseDocument(raw["preferences"]),
		Goals:             parseDocument(raw["goals"]),
	}
	if value, ok := raw["isActive"]; ok {
		persona.IsActive = cast.ToBool(value)
	}
	if lastActive, err := cast.ToTimeE(raw["lastActive"]); err == nil {
		persona.LastActiveAt = lastActive.UTC()
	}
	persona.GenderClass = string(ClassifyGender(persona.Gender))
	return persona
}

func firstString(raw map[string]any, keys ...string) string {
	for _, key := range keys {
		if value := strings.TrimSpace(cast.ToString(raw[key])); value != "" {
			return value
		}
	}
	return ""
}

func parseList(value any) StringList {
	switch value.(type) {
	case []any, []string:
		list, err := cast.ToStringSliceE(value)
		if err != nil {
			return StringList{}
		}
		return list
	default:
		return StringList{}
	}
}

func parseDocument(value any) Document {
	switch typed := value.(type) {
	case string:
		return decodeDocument([]byte(typed))
	case []byte:
		return decodeDocument(typed)
	case map[string]any:
		return typed
	case nil:
		return Document{}
	default:
		document, err := cast.ToStringMapE(typed)
		if err != nil {
			return Document{}
		}
		return document
	}
}
