// Package types defines the entities, identifiers, and error taxonomy shared
// by every memory tier.
package types

import (
	"database/sql/driver"
	"fmt"

	"github.com/google/uuid"
)

// ID is an opaque 128-bit identifier shared by every entity in the engine.
type ID uuid.UUID

// NilID is the zero value of ID, used to signal "no id assigned yet".
var NilID ID

// NewID generates a fresh random ID.
func NewID() ID {
	return ID(uuid.New())
}

// ParseID parses the string form of an ID produced by String.
func ParseID(s string) (ID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return NilID, fmt.Errorf("parse id %q: %w", s, err)
	}
	return ID(u), nil
}

// MustID parses s and panics on error; for use with known-good literals in
// tests.
func MustID(s string) ID {
	id, err := ParseID(s)
	if err != nil {
		panic(err)
	}
	return id
}

func (id ID) String() string {
	return uuid.UUID(id).String()
}

// IsNil reports whether id is the zero value.
func (id ID) IsNil() bool {
	return id == NilID
}

// Value implements driver.Valuer so an ID can be written directly by
// database/sql-based store adapters.
func (id ID) Value() (driver.Value, error) {
	return id.String(), nil
}

// Scan implements sql.Scanner for store adapters reading an ID column.
func (id *ID) Scan(src any) error {
	switch v := src.(type) {
	case string:
		parsed, err := ParseID(v)
		if err != nil {
			return err
		}
		*id = parsed
		return nil
	case []byte:
		parsed, err := ParseID(string(v))
		if err != nil {
			return err
		}
		*id = parsed
		return nil
	case nil:
		*id = NilID
		return nil
	default:
		return fmt.Errorf("unsupported id scan source %T", src)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := ParseID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
