package sessions

import (
	"time"

	"gorm.io/gorm"
)

// SessionToken is an active client session bound to a cnode user.
// Deleting the user is restricted while tokens exist; rotating its key cascades here.
type SessionToken struct {
	ID            uint      `gorm:"column:id;primaryKey;autoIncrement"`
	CNodeUserUUID string    `gorm:"column:cnode_user_uuid;size:64;not null;index"`
	Token         string    `gorm:"column:token;size:128;not null;uniqueIndex"`
	LastUsed      time.Time `gorm:"column:last_used;not null"`
	CreatedAt     time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName provides the explicit table binding for GORM.
func (SessionToken) TableName() string {
	return "session_tokens"
}

// tokenOwner is the session side view of cnode_users. Parsing it attaches the
// session_tokens foreign key without the ledger depending on sessions; its column must
// stay identical to ledger.CNodeUser's key since AutoMigrate also visits it.
type tokenOwner struct {
	CNodeUserUUID string         `gorm:"column:cnode_user_uuid;primaryKey;size:64;not null"`
	Sessions      []SessionToken `gorm:"foreignKey:CNodeUserUUID;references:CNodeUserUUID;constraint:OnUpdate:CASCADE,OnDelete:RESTRICT"`
}

func (tokenOwner) TableName() string {
	return "cnode_users"
}

// AutoMigrate creates session_tokens with its foreign key to cnode_users, which must
// already exist.
func AutoMigrate(db *gorm.DB) error {
	statement := &gorm.Statement{DB: db}
	if err := statement.Parse(&tokenOwner{}); err != nil {
		return err
	}
	return db.AutoMigrate(&SessionToken{})
}
