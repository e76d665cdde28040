// Package admins stores dashboard operators and checks their passwords.
package admins

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const (
	minPasswordLength = 8
	maxPasswordLength = 72
)

var (
	// ErrInvalidCredentials covers both an unknown email and a wrong password.
	ErrInvalidCredentials = errors.New("admins: invalid credentials")
	// ErrInvalidAdmin indicates seed input that cannot be stored.
	ErrInvalidAdmin = errors.New("admins: invalid admin")

	// dummyHash keeps unknown-email logins paying the same bcrypt cost.
	dummyHash, _ = bcrypt.GenerateFromPassword([]byte("everseal-unknown-admin"), bcrypt.DefaultCost)
)

// ServiceConfig describes the dependencies required for admin authentication.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
	// Cost is the bcrypt cost for new hashes; zero uses bcrypt.DefaultCost.
	Cost int
}

// Service authenticates admins.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
	cost   int
}

// NewService constructs the admin service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("admins: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cost := cfg.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return &Service{db: cfg.Database, now: clock, logger: logger, cost: cost}, nil
}

// EnsureAdmin creates the admin when the email is not yet registered. An
// existing admin keeps its password. It reports whether a row was created.
func (s *Service) EnsureAdmin(ctx context.Context, email, password string) (bool, error) {
	normalized := normalizeEmail(email)
	if normalized == "" || !strings.Contains(normalized, "@") {
		return false, fmt.Errorf("%w: email %q", ErrInvalidAdmin, email)
	}
	if len(password) < minPasswordLength || len(password) > maxPasswordLength {
		return false, fmt.Errorf("%w: password must be %d to %d bytes", ErrInvalidAdmin, minPasswordLength, maxPasswordLength)
	}

	var existing Admin
	err := s.db.WithContext(ctx).Where("email = ?", normalized).Take(&existing).Error
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return false, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return false, err
	}
	identifier, err := uuid.NewV7()
	if err != nil {
		return false, err
	}
	admin := Admin{
		ID:               identifier.String(),
		Email:            normalized,
		PasswordHash:     string(hash),
		CreatedAtSeconds: s.now().UTC().Unix(),
	}
	if err := s.db.WithContext(ctx).Create(&admin).Error; err != nil {
		return false, err
	}
	s.logger.Info("admin account created", zap.String("admin_id", admin.ID))
	return true, nil
}

// Authenticate returns the admin matching email and password, or ErrInvalidCredentials.
func (s *Service) Authenticate(ctx context.Context, email, password string) (Admin, error) {
	var admin Admin
	err := s.db.WithContext(ctx).Where("email = ?", normalizeEmail(email)).Take(&admin).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return Admin{}, ErrInvalidCredentials
	}
	if err != nil {
		return Admin{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(admin.PasswordHash), []byte(password)); err != nil {
		return Admin{}, ErrInvalidCredentials
	}

	loginAt := s.now().UTC().Unix()
	if err := s.db.WithContext(ctx).Model(&Admin{}).
		Where("id = ?", admin.ID).
		Update("last_login_at_s", loginAt).Error; err != nil {
		s.logger.Warn("admin last login not recorded", zap.String("admin_id", admin.ID), zap.Error(err))
	} else {
		admin.LastLoginAtSeconds = loginAt
	}
	return admin, nil
}
