package personas

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// PersonaID identifies a persona document.
type PersonaID string

func (id PersonaID) String() string {
	return string(id)
}

// StringList is a list column persisted as JSON text. Unreadable values scan
// as an empty list.
type StringList []string

func (StringList) GormDataType() string {
	return "text"
}

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	encoded, err := json.Marshal([]string(l))
	if err != nil {
		return nil, err
	}
	return string(encoded), nil
}

func (l *StringList) Scan(value any) error {
	raw, ok := textValue(value)
	if !ok {
		*l = StringList{}
		return nil
	}
	var decoded []string
	if err := json.Unmarshal(raw, &decoded); err != nil || decoded == nil {
		*l = StringList{}
		return nil
	}
	*l = decoded
	return nil
}

// Document is a nested object column persisted as JSON text. Malformed JSON
// scans as an empty document.
type Document map[string]any

func (Document) GormDataType() string {
	return "text"
}

func (d Document) Value() (driver.Value, error) {
	if d == nil {
		return "{}", nil
	}
	encoded, err := json.Marshal(map[string]any(d))
	if err != nil {
		return nil, err
	}
	return string(encoded), nil
}

func (d *Document) Scan(value any) error {
	raw, ok := textValue(value)
	if !ok {
		*d = Document{}
		return nil
	}
	*d = decodeDocument(raw)
	return nil
}

func decodeDocument(raw []byte) Document {
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil || decoded == nil {
		return Document{}
	}
	return decoded
}

func textValue(value any) ([]byte, bool) {
	switch typed := value.(type) {
	case []byte:
		return typed, len(typed) > 0
	case string:
		return []byte(typed), typed != ""
	default:
		return nil, false
	}
}

// Persona is a browsable profile.
type Persona struct {
	PersonaID         PersonaID  `gorm:"column:persona_id;primaryKey;size:190;not null"`
	Username          string     `gorm:"column:username;size:190;index"`
	DisplayName       string     `gorm:"column:display_name;size:320"`
	Gender            string     `gorm:"column:gender;size:64"`
	GenderClass       string     `gorm:"column:gender_class;size:16;index"`
	Age               int        `gorm:"column:age;index"`
	Location          string     `gorm:"column:location;size:320;index"`
	Bio               string     `gorm:"column:bio;type:text"`
	AvatarURL         string     `gorm:"column:avatar_url;size:1024"`
	Interests         StringList `gorm:"column:interests"`
	PersonalityTraits StringList `gorm:"column:personality_traits"`
	Languages         StringList `gorm:"column:languages"`
	IsVerified        bool       `gorm:"column:is_verified;not null;default:false"`
	IsPremium         bool       `gorm:"column:is_premium;not null;default:false"`
	IsActive          bool       `gorm:"column:is_active;not null;index"`
	FollowingCount    int64      `gorm:"column:following_count;not null;default:0"`
	TotalChats        int64      `gorm:"column:total_chats;not null;default:0"`
	TotalMatches      int64      `gorm:"column:total_matches;not null;default:0"`
	Preferences       Document   `gorm:"column:preferences"`
	Goals             Document   `gorm:"column:goals"`
	LastActiveAt      time.Time  `gorm:"column:last_active_at"`
	CreatedAt         time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

func (Persona) TableName() string {
	return "personas"
}

// BeforeSave keeps gender_class in step with the free-form gender value.
func (p *Persona) BeforeSave(*gorm.DB) error {
	p.GenderClass = string(ClassifyGender(p.Gender))
	return nil
}

// Name returns the label shown to other users.
func (p Persona) Name() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.Username
}

// Stat names a persona counter.
type Stat string

const (
	StatTotalChats     Stat = "total_chats"
	StatTotalMatches   Stat = "total_matches"
	StatFollowingCount Stat = "following_count"
)

var (
	// ErrPersonaNotFound indicates the persona document does not exist.
	ErrPersonaNotFound = errors.New("personas: persona not found")
	// ErrUnknownStat indicates a counter outside the supported set.
	ErrUnknownStat = errors.New("personas: unknown stat")
	// ErrInvalidPersonaID indicates an empty persona identifier.
	ErrInvalidPersonaID = errors.New("personas: invalid persona id")
)

func (s Stat) validate() error {
	switch s {
	case StatTotalChats, StatTotalMatches, StatFollowingCount:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownStat, string(s))
	}
}
