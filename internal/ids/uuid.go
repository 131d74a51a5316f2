package ids

import (
	"errors"

	"github.com/google/uuid"
)

var errSequenceExhausted = errors.New("ids: sequence exhausted")

// Provider issues identifiers for newly created documents.
type Provider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs a Provider that issues UUIDv7 identifiers, so
// identifiers sort in creation order.
func NewUUIDProvider() Provider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// Sequence hands out a fixed list of identifiers in order.
type Sequence struct {
	values []string
	index  int
}

// NewSequence returns a Provider that replays the supplied identifiers.
func NewSequence(values ...string) *Sequence {
	return &Sequence{values: append([]string(nil), values...)}
}

func (s *Sequence) NewID() (string, error) {
	if s.index >= len(s.values) {
		return "", errSequenceExhausted
	}
	value := s.values[s.index]
	s.index++
	return value, nil
}
