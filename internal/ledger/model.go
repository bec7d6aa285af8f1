package ledger

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// OperationType enumerates the kinds of content writes recorded in the clock log.
type OperationType string

const (
	// OperationTypeTrack records a track metadata write.
	OperationTypeTrack OperationType = "track"
	// OperationTypeFile records a file (segment, copy320, dir) write.
	OperationTypeFile OperationType = "file"
	// OperationTypeImage records an image upload.
	OperationTypeImage OperationType = "image"
	// OperationTypeMetadata records a user metadata write.
	OperationTypeMetadata OperationType = "metadata"
	// OperationTypeUser records a user entity write.
	OperationTypeUser OperationType = "user"
)

const (
	maxCIDLength       = 128
	maxNumericIDLength = 32
)

var (
	// ErrInvalidWalletAddress indicates a wallet address is not a 0x-prefixed 20 byte hex string.
	ErrInvalidWalletAddress = errors.New("ledger: invalid wallet address")
	// ErrInvalidCNodeUserUUID indicates a cnodeUserUUID is not a valid UUID.
	ErrInvalidCNodeUserUUID = errors.New("ledger: invalid cnode user uuid")
	// ErrInvalidOperation indicates an operation payload failed validation.
	ErrInvalidOperation = errors.New("ledger: invalid operation")
	// ErrUserNotFound indicates the cnode user has no row on this node.
	ErrUserNotFound = errors.New("ledger: user not found")
	// ErrRecordNotFound indicates no live record references the content.
	ErrRecordNotFound = errors.New("ledger: record not found")
	// ErrConcurrentWriteConflict indicates another writer advanced the clock first; callers retry.
	ErrConcurrentWriteConflict = errors.New("ledger: concurrent write conflict")
	// ErrNonContiguousBatch indicates an applied batch does not start right after the local clock.
	ErrNonContiguousBatch = errors.New("ledger: batch not contiguous with local clock")
	// ErrOutOfOrderBatch indicates an applied batch is not strictly ascending by one.
	ErrOutOfOrderBatch = errors.New("ledger: batch out of order")
	// ErrWalletMismatch indicates a batch names a wallet different from the stored user.
	ErrWalletMismatch = errors.New("ledger: wallet does not match user")
)

var (
	walletPattern  = regexp.MustCompile(`^0x[0-9a-f]{40}$`)
	numericPattern = regexp.MustCompile(`^[0-9]+$`)
)

// WalletAddress represents a validated, lower-cased wallet address.
type WalletAddress string

// NewWalletAddress validates raw input and returns a WalletAddress.
func NewWalletAddress(rawInput string) (WalletAddress, error) {
	normalized := strings.ToLower(strings.TrimSpace(rawInput))
	if normalized == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidWalletAddress)
	}
	if !walletPattern.MatchString(normalized) {
		return "", fmt.Errorf("%w: %q", ErrInvalidWalletAddress, rawInput)
	}
	return WalletAddress(normalized), nil
}

// String returns the underlying address.
func (address WalletAddress) String() string {
	return string(address)
}

// CNodeUserUUID is the opaque identity that owns every dependent record of a user.
type CNodeUserUUID string

// NewCNodeUserUUID validates raw input and returns a CNodeUserUUID.
func NewCNodeUserUUID(rawInput string) (CNodeUserUUID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidCNodeUserUUID)
	}
	parsed, err := uuid.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCNodeUserUUID, err)
	}
	return CNodeUserUUID(parsed.String()), nil
}

// GenerateCNodeUserUUID issues a fresh UUIDv7 identity.
func GenerateCNodeUserUUID() (CNodeUserUUID, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return CNodeUserUUID(value.String()), nil
}

// String returns the underlying identifier.
func (id CNodeUserUUID) String() string {
	return string(id)
}

// Operation is a single content write accepted on the primary.
type Operation struct {
	Type        OperationType
	UserID      string
	TrackID     string
	CID         string
	PayloadJSON string
}

// Validate checks the operation fields against their formats.
func (operation Operation) Validate() error {
	switch operation.Type {
	case OperationTypeTrack, OperationTypeFile, OperationTypeImage, OperationTypeMetadata, OperationTypeUser:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidOperation, operation.Type)
	}
	if operation.UserID != "" && !isNumericID(operation.UserID) {
		return fmt.Errorf("%w: user id %q", ErrInvalidOperation, operation.UserID)
	}
	if operation.TrackID != "" && !isNumericID(operation.TrackID) {
		return fmt.Errorf("%w: track id %q", ErrInvalidOperation, operation.TrackID)
	}
	if len(operation.CID) > maxCIDLength {
		return fmt.Errorf("%w: cid exceeds %d characters", ErrInvalidOperation, maxCIDLength)
	}
	return nil
}

func isNumericID(value string) bool {
	return len(value) <= maxNumericIDLength && numericPattern.MatchString(value)
}

// CNodeUser is one row per (wallet, node) and carries the user's clock.
type CNodeUser struct {
	CNodeUserUUID string    `gorm:"column:cnode_user_uuid;primaryKey;size:64;not null"`
	WalletAddress string    `gorm:"column:wallet_address;size:64;not null;uniqueIndex"`
	Clock         int64     `gorm:"column:clock;not null;default:0"`
	CreatedAt     time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time `gorm:"column:updated_at;autoUpdateTime"`
	// ClockRecords is never loaded; it declares the clock_records foreign key.
	ClockRecords []ClockRecord `gorm:"foreignKey:CNodeUserUUID;references:CNodeUserUUID;constraint:OnUpdate:CASCADE,OnDelete:RESTRICT"`
}

// TableName provides the explicit table binding for GORM.
func (CNodeUser) TableName() string {
	return "cnode_users"
}

// ClockRecord is an append-only log entry; (cnode_user_uuid, clock) is unique.
type ClockRecord struct {
	CNodeUserUUID string        `gorm:"column:cnode_user_uuid;primaryKey;size:64;not null"`
	Clock         int64         `gorm:"column:clock;primaryKey;autoIncrement:false;not null"`
	OperationType OperationType `gorm:"column:operation_type;size:32;not null"`
	UserID        string        `gorm:"column:user_id;size:32;not null;default:''"`
	TrackID       string        `gorm:"column:track_id;size:32;not null;default:'';index"`
	CID           string        `gorm:"column:cid;size:128;not null;default:'';index"`
	PayloadJSON   string        `gorm:"column:payload_json;type:text;not null;default:''"`
	Redacted      bool          `gorm:"column:redacted;not null;default:false"`
	CreatedAt     time.Time     `gorm:"column:created_at;autoCreateTime"`
}

// TableName provides the explicit table binding for GORM.
func (ClockRecord) TableName() string {
	return "clock_records"
}

// Operation rebuilds the operation carried by the record.
func (record ClockRecord) Operation() Operation {
	return Operation{
		Type:        record.OperationType,
		UserID:      record.UserID,
		TrackID:     record.TrackID,
		CID:         record.CID,
		PayloadJSON: record.PayloadJSON,
	}
}

// Redact strips content references while keeping the clock slot.
func (record ClockRecord) Redact() ClockRecord {
	redacted := record
	redacted.CID = ""
	redacted.PayloadJSON = ""
	redacted.Redacted = true
	return redacted
}

// Export is a bounded slice of a user's log together with the user's clock at read time.
type Export struct {
	CNodeUserUUID CNodeUserUUID
	WalletAddress WalletAddress
	Clock         int64
	Records       []ClockRecord
}

// ApplyRequest carries a batch of records pushed by a primary.
type ApplyRequest struct {
	CNodeUserUUID CNodeUserUUID
	WalletAddress WalletAddress
	Records       []ClockRecord
	// ForceResync drops the local copy of the user's log and rewinds its clock to 0 before
	// applying Records, which must then start at clock 1.
	ForceResync bool
}
