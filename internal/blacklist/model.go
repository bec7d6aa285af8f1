package blacklist

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ipfs/go-cid"
)

// EntryType discriminates what a blacklist value identifies.
type EntryType string

const (
	// EntryTypeUser blocks every record written for a blockchain user id.
	EntryTypeUser EntryType = "USER"
	// EntryTypeTrack blocks every record that references a track id.
	EntryTypeTrack EntryType = "TRACK"
	// EntryTypeCID blocks a single content identifier.
	EntryTypeCID EntryType = "CID"
)

var (
	// ErrInvalidBlacklistType indicates the entry type is not USER, TRACK or CID.
	ErrInvalidBlacklistType = errors.New("blacklist: invalid type")
	// ErrInvalidBlacklistValue indicates the value does not match its type's format.
	ErrInvalidBlacklistValue = errors.New("blacklist: invalid value")
)

// ParseEntryType validates raw input and returns an EntryType.
func ParseEntryType(rawInput string) (EntryType, error) {
	switch EntryType(strings.ToUpper(strings.TrimSpace(rawInput))) {
	case EntryTypeUser:
		return EntryTypeUser, nil
	case EntryTypeTrack:
		return EntryTypeTrack, nil
	case EntryTypeCID:
		return EntryTypeCID, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidBlacklistType, rawInput)
	}
}

// Value is a validated (type, value) pair.
type Value struct {
	entryType EntryType
	value     string
}

// NewValue validates the value against the rule of its type.
func NewValue(entryType EntryType, rawInput string) (Value, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return Value{}, fmt.Errorf("%w: empty", ErrInvalidBlacklistValue)
	}
	switch entryType {
	case EntryTypeUser, EntryTypeTrack:
		id, err := strconv.ParseUint(trimmed, 10, 64)
		if err != nil || id == 0 {
			return Value{}, fmt.Errorf("%w: %s value %q is not a positive integer", ErrInvalidBlacklistValue, entryType, rawInput)
		}
		return Value{entryType: entryType, value: strconv.FormatUint(id, 10)}, nil
	case EntryTypeCID:
		if _, err := cid.Decode(trimmed); err != nil {
			return Value{}, fmt.Errorf("%w: %q is not a content identifier: %v", ErrInvalidBlacklistValue, rawInput, err)
		}
		return Value{entryType: entryType, value: trimmed}, nil
	default:
		return Value{}, fmt.Errorf("%w: %q", ErrInvalidBlacklistType, entryType)
	}
}

// Type returns the entry type.
func (v Value) Type() EntryType {
	return v.entryType
}

// String returns the normalized value.
func (v Value) String() string {
	return v.value
}

// Entry is a persisted blacklist row; (type, value) is unique.
type Entry struct {
	ID        uint      `gorm:"column:id;primaryKey;autoIncrement"`
	Type      EntryType `gorm:"column:type;size:16;not null;uniqueIndex:idx_blacklist_type_value,priority:1"`
	Value     string    `gorm:"column:value;size:128;not null;uniqueIndex:idx_blacklist_type_value,priority:2"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "content_blacklist"
}
