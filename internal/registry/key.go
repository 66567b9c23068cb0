package registry

import (
	"errors"
	"strings"
)

// Key errors
var (
	ErrInvalidKey = errors.New("invalid key format")
)

// TypeID is the logical type identifier half of a Key. It is an explicit
// string rather than a reflected Go type so that key equality is total and
// independent of any runtime reflection facility.
type TypeID string

// Key addresses one registration slot: a logical type plus an optional tag
// that disambiguates multiple registrations of the same type.
//
// Tag convention: the absent tag IS the empty string. A caller passing no
// tag and a caller passing "" address the same slot. This is deliberate and
// matches the flattened identifier format below; callers that need distinct
// slots must use distinct non-empty tags.
type Key struct {
	Type TypeID
	Tag  string
}

// NewKey builds a Key for typeID with no tag.
func NewKey(typeID TypeID) Key {
	return Key{Type: typeID}
}

// TaggedKey builds a Key for typeID with the given tag.
func TaggedKey(typeID TypeID, tag string) Key {
	return Key{Type: typeID, Tag: tag}
}

// String returns the flattened identifier form: {type} or {type}::{tag}.
func (k Key) String() string {
	if k.Tag == "" {
		return string(k.Type)
	}
	return string(k.Type) + "::" + k.Tag
}

// IsValid reports whether the key has a non-empty type identifier.
func (k Key) IsValid() bool {
	return k.Type != ""
}

// ParseKey parses the flattened identifier form produced by Key.String.
// Accepts {type} or {type}::{tag}.
func ParseKey(s string) (Key, error) {
	if s == "" {
		return Key{}, ErrInvalidKey
	}
	parts := strings.SplitN(s, "::", 2)
	if parts[0] == "" {
		return Key{}, ErrInvalidKey
	}
	k := Key{Type: TypeID(parts[0])}
	if len(parts) == 2 {
		k.Tag = parts[1]
	}
	return k, nil
}
