package tags

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/everseal/backend/internal/signature"
)

const maxProductNameLength = 190

var (
	// ErrTagNotFound indicates the uid was never provisioned.
	ErrTagNotFound = errors.New("tags: tag not found")
	// ErrInvalidProvision indicates a seed entry that cannot be stored.
	ErrInvalidProvision = errors.New("tags: invalid provision")
)

// Tag is the authoritative state of one physical chip.
type Tag struct {
	UID                 string `gorm:"column:uid;primaryKey;size:14;not null"`
	KeyHex              string `gorm:"column:key_hex;size:32;not null" json:"-"`
	ProductName         string `gorm:"column:product_name;size:190;not null;default:''"`
	LastAcceptedCounter int64  `gorm:"column:last_accepted_counter;not null;default:0"`
	CreatedAtSeconds    int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds    int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Tag) TableName() string {
	return "tags"
}

// Key decodes the stored secret.
func (t Tag) Key() (signature.Key, error) {
	return signature.ParseKey(t.KeyHex)
}

// Provision describes a tag to be inserted into the registry.
type Provision struct {
	UID                 signature.UID
	Key                 signature.Key
	ProductName         string
	LastAcceptedCounter uint32
}

// NewProvision validates raw seed input.
func NewProvision(rawUID, rawKey, productName string, lastAcceptedCounter uint32) (Provision, error) {
	uid, err := signature.ParseUID(rawUID)
	if err != nil {
		return Provision{}, fmt.Errorf("%w: %v", ErrInvalidProvision, err)
	}
	key, err := signature.ParseKey(rawKey)
	if err != nil {
		return Provision{}, fmt.Errorf("%w: uid %s: %v", ErrInvalidProvision, uid, err)
	}
	name := strings.TrimSpace(productName)
	if len(name) > maxProductNameLength {
		return Provision{}, fmt.Errorf("%w: uid %s: product name exceeds %d characters", ErrInvalidProvision, uid, maxProductNameLength)
	}
	if lastAcceptedCounter > signature.MaxCounter {
		return Provision{}, fmt.Errorf("%w: uid %s: %v", ErrInvalidProvision, uid, signature.ErrCounterOutOfRange)
	}
	return Provision{
		UID:                 uid,
		Key:                 key,
		ProductName:         name,
		LastAcceptedCounter: lastAcceptedCounter,
	}, nil
}

func (p Provision) toModel(nowSeconds int64) Tag {
	return Tag{
		UID:                 p.UID.String(),
		KeyHex:              strings.ToUpper(hex.EncodeToString(p.Key[:])),
		ProductName:         p.ProductName,
		LastAcceptedCounter: int64(p.LastAcceptedCounter),
		CreatedAtSeconds:    nowSeconds,
		UpdatedAtSeconds:    nowSeconds,
	}
}
