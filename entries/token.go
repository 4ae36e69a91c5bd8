package entries

import "fmt"

// Token marks what an entry's value slot holds.
type Token uint8

const (
	// TokenNone means the slot holds a real value.
	TokenNone Token = iota
	// TokenInvalid means the key is present with no value.
	TokenInvalid
	// TokenOverflowed means the value lives in the overflow store.
	TokenOverflowed
	// TokenTombstone marks a destroyed entry kept for version checks.
	TokenTombstone
	// TokenDestroyed marks a placeholder created for an update tracker on
	// an absent key.
	TokenDestroyed
)

func (t Token) String() string {
	switch t {
	case TokenNone:
		return "value"
	case TokenInvalid:
		return "invalid"
	case TokenOverflowed:
		return "overflowed"
	case TokenTombstone:
		return "tombstone"
	case TokenDestroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("Token(%d)", uint8(t))
	}
}

// Absent reports whether the token means the key is logically not in the map.
func (t Token) Absent() bool { return t == TokenTombstone || t == TokenDestroyed }

// InMemory reports whether a real value is held in memory.
func (t Token) InMemory() bool { return t == TokenNone }
