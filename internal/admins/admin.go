package admins

import (
	"strings"
)

// Admin is a dashboard operator allowed to mint URLs and read attempt history.
type Admin struct {
	ID                 string `gorm:"column:id;primaryKey;size:36;not null"`
	Email              string `gorm:"column:email;size:320;not null;uniqueIndex"`
	PasswordHash       string `gorm:"column:password_hash;size:72;not null" json:"-"`
	CreatedAtSeconds   int64  `gorm:"column:created_at_s;not null"`
	LastLoginAtSeconds int64  `gorm:"column:last_login_at_s;not null;default:0"`
}

// TableName exposes the table backing admin accounts.
func (Admin) TableName() string {
	return "admins"
}

// normalizeEmail lower-cases and trims an email for lookups.
func normalizeEmail(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
