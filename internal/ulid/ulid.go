// Package ulid provides a type-safe wrapper around github.com/oklog/ulid/v2
// with database/json integration and prefixed ID helpers.
//
// ULIDs are Universally Unique Lexicographically Sortable Identifiers. They
// sort by creation time, which makes them a good fit for queue entries and
// journal rows that are usually read in chronological order.
package ulid

import (
	"bytes"
	"crypto/rand"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Common prefixes for different parts of the application
const (
	// Prefix for queued offline actions
	PrefixAction = "act"

	// Prefix for recorded conflicts
	PrefixConflict = "cfl"

	// Prefix for sync journal entries
	PrefixJournal = "jrn"

	// Prefix for device identifiers
	PrefixDevice = "dev"

	// Prefix for audit events
	PrefixAudit = "aud"

	// Prefix for persisted settings
	PrefixSetting = "set"

	// PrefixSeparator is used to separate the prefix from the ULID
	PrefixSeparator = "-"
)

var (
	entropy     = ulid.Monotonic(rand.Reader, 0)
	entropyLock sync.Mutex
	// Nil represents the zero value of ULID, useful for nil checks
	Nil = ULID{ulid.ULID{}, ""}
)

// ULID is a custom type that wraps ulid.ULID with additional functionality
// for database integration, JSON serialization, and comparison utilities.
type ULID struct {
	ulid.ULID
	prefix string
}

// Generate creates a new ULID with the current timestamp.
func Generate() ULID {
	return NewWithTime(time.Now())
}

// GenerateWithPrefix creates a new ULID with the current timestamp and a prefix.
// The prefix provides context about what the ID represents (e.g., "act" for action).
func GenerateWithPrefix(prefix string) ULID {
	id := NewWithTime(time.Now())
	id.prefix = prefix
	return id
}

// NewWithTime creates a new ULID with a specific timestamp.
func NewWithTime(t time.Time) ULID {
	entropyLock.Lock()
	id := ulid.MustNew(ulid.Timestamp(t), entropy)
	entropyLock.Unlock()
	return ULID{id, ""}
}

// Parse parses a ULID string and returns the ULID struct.
// It handles both plain ULIDs and prefixed ULIDs
// (e.g., "act-01AN4Z07BY79KA1307SR9X4MV3").
func Parse(id string) (ULID, error) {
	parts := strings.Split(id, PrefixSeparator)

	var rawID string
	var prefix string

	if len(parts) > 1 {
		prefix = parts[0]
		rawID = parts[1]
	} else {
		rawID = id
	}

	parsed, err := ulid.Parse(rawID)
	if err != nil {
		return ULID{}, err
	}

	return ULID{parsed, prefix}, nil
}

// Validate checks if a string is a valid ULID format.
// It supports both plain ULIDs and prefixed ULIDs.
func Validate(id string) bool {
	parts := strings.Split(id, PrefixSeparator)

	var rawID string
	if len(parts) > 1 {
		rawID = parts[1]
	} else {
		rawID = id
	}

	_, err := ulid.Parse(rawID)
	return err == nil
}

// Compare compares two ULIDs lexicographically.
// Returns -1 if u < other, 1 if u > other, and 0 if they're equal.
// The comparison ignores prefixes and only compares the actual ULID values.
func (u ULID) Compare(other ULID) int {
	return bytes.Compare(u.ULID[:], other.ULID[:])
}

// IsZero returns true if the ULID is the zero value (Nil).
func (u ULID) IsZero() bool {
	return u.ULID == ulid.ULID{}
}

// Prefix returns the prefix of the ULID.
func (u ULID) Prefix() string {
	return u.prefix
}

// MustParse is like Parse but panics if the string cannot be parsed.
func MustParse(s string) ULID {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

// String returns the string representation of the ULID.
// If the ULID has a prefix, it's included in the format "prefix-ulid".
func (u ULID) String() string {
	if u.prefix != "" {
		return u.prefix + PrefixSeparator + u.ULID.String()
	}
	return u.ULID.String()
}

// Time returns the timestamp component of the ULID.
func (u ULID) Time() time.Time {
	return ulid.Time(u.ULID.Time())
}

// MarshalJSON implements the json.Marshaler interface.
func (u ULID) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (u *ULID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}

// Value implements the driver.Valuer interface for database serialization.
func (u ULID) Value() (driver.Value, error) {
	return u.String(), nil
}

// Scan implements the sql.Scanner interface for database deserialization.
func (u *ULID) Scan(src interface{}) error {
	switch src := src.(type) {
	case nil:
		return nil
	case string:
		parsed, err := Parse(src)
		if err != nil {
			return err
		}
		*u = parsed
		return nil
	case []byte:
		parsed, err := Parse(string(src))
		if err != nil {
			return err
		}
		*u = parsed
		return nil
	}
	return fmt.Errorf("cannot scan %T into ULID", src)
}

// Domain-specific ID generation methods

// ActionID generates a new ULID with the action prefix
func ActionID() string {
	return GenerateWithPrefix(PrefixAction).String()
}

// ConflictID generates a new ULID with the conflict prefix
func ConflictID() string {
	return GenerateWithPrefix(PrefixConflict).String()
}

// JournalID generates a new ULID with the journal prefix
func JournalID() string {
	return GenerateWithPrefix(PrefixJournal).String()
}

// DeviceID generates a new ULID with the device prefix
func DeviceID() string {
	return GenerateWithPrefix(PrefixDevice).String()
}

// AuditID generates a new ULID with the audit prefix
func AuditID() string {
	return GenerateWithPrefix(PrefixAudit).String()
}

// SettingID generates a new ULID with the setting prefix
func SettingID() string {
	return GenerateWithPrefix(PrefixSetting).String()
}
