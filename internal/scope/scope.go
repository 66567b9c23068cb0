package scope

import "github.com/google/uuid"

// ScopeID identifies a single scope instance.
type ScopeID string

func NewScopeID() ScopeID {
	return ScopeID(uuid.New().String())
}

func (id ScopeID) String() string {
	return string(id)
}

func (id ScopeID) IsValid() bool {
	_, err := uuid.Parse(string(id))
	return err == nil
}
