// Package signing mints signed verification URLs for provisioning and demos.
//
// Minting simulates what a chip would emit on its next tap. It never consults
// or advances counter state, so minting a counter at or below the tag's last
// accepted counter yields a URL that verifies as REPLAY.
package signing

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/everseal/backend/internal/serviceerror"
	"github.com/MarcoPoloResearchLab/everseal/backend/internal/signature"
	"github.com/MarcoPoloResearchLab/everseal/backend/internal/tags"
	"go.uber.org/zap"
)

const (
	// VerifyPath is appended to the base URL of minted links.
	VerifyPath = "/verify"

	opServiceNew      = "signing.service.new"
	opMint            = "signing.mint"
	reasonMissingDeps = "missing_registry"
	reasonBadBaseURL  = "invalid_base_url"
	reasonLookup      = "lookup_failed"
	reasonKeyInvalid  = "stored_key_invalid"
	reasonSignFailed  = "sign_failed"
)

var (
	errMissingRegistry = errors.New("tag registry is required")
	noOpLogger         = zap.NewNop()
)

// TagLookup resolves a tag by uid.
type TagLookup interface {
	Lookup(ctx context.Context, uid signature.UID) (tags.Tag, error)
}

// SignedURL is a freshly signed verification link.
type SignedURL struct {
	UID     signature.UID
	Counter uint32
	CMAC    signature.MAC
	URL     string
}

// ServiceConfig describes the mint service dependencies.
type ServiceConfig struct {
	Registry TagLookup
	// BaseURL is the origin that serves the verification page, e.g. "https://everseal.example".
	BaseURL string
	Logger  *zap.Logger
}

// Service mints signed URLs.
type Service struct {
	registry TagLookup
	baseURL  string
	logger   *zap.Logger
}

// NewService constructs a mint Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Registry == nil {
		return nil, serviceerror.New(opServiceNew, reasonMissingDeps, errMissingRegistry)
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL != "" {
		parsed, err := url.Parse(baseURL)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return nil, serviceerror.New(opServiceNew, reasonBadBaseURL, fmt.Errorf("base url %q must be absolute", cfg.BaseURL))
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{registry: cfg.Registry, baseURL: baseURL, logger: logger}, nil
}

// Mint signs uid and counter with the tag's key. It returns tags.ErrTagNotFound
// for unknown tags and signature.ErrCounterOutOfRange for counters wider than 24 bits.
func (s *Service) Mint(ctx context.Context, uid signature.UID, counter uint32) (SignedURL, error) {
	if counter > signature.MaxCounter {
		return SignedURL{}, signature.ErrCounterOutOfRange
	}
	tag, err := s.registry.Lookup(ctx, uid)
	if errors.Is(err, tags.ErrTagNotFound) {
		return SignedURL{}, err
	}
	if err != nil {
		return SignedURL{}, serviceerror.New(opMint, reasonLookup, err)
	}
	key, err := tag.Key()
	if err != nil {
		s.logger.Error("stored tag key is invalid", zap.String("uid", uid.String()), zap.Error(err))
		return SignedURL{}, serviceerror.New(opMint, reasonKeyInvalid, err)
	}
	mac, err := signature.Compute(key, uid, counter)
	if err != nil {
		return SignedURL{}, serviceerror.New(opMint, reasonSignFailed, err)
	}
	s.logger.Debug("verification url minted", zap.String("uid", uid.String()), zap.Uint32("counter", counter))
	return SignedURL{
		UID:     uid,
		Counter: counter,
		CMAC:    mac,
		URL:     s.buildURL(uid, counter, mac),
	}, nil
}

func (s *Service) buildURL(uid signature.UID, counter uint32, mac signature.MAC) string {
	var builder strings.Builder
	builder.WriteString(s.baseURL)
	builder.WriteString(VerifyPath)
	builder.WriteString("?uid=")
	builder.WriteString(uid.String())
	builder.WriteString("&ctr=")
	builder.WriteString(strconv.FormatUint(uint64(counter), 10))
	builder.WriteString("&cmac=")
	builder.WriteString(mac.String())
	return builder.String()
}
