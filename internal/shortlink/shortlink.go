// Package shortlink mints and resolves per-recipient tracking links.
// Tokens are unguessable, one per (campaign, contact), and expire so old
// SMS archives stop resolving.
package shortlink

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Theprofitplatform/tpp-sms-crm/internal/db"
	"github.com/Theprofitplatform/tpp-sms-crm/internal/metrics"
)

const (
	// TokenLength keeps links short enough for SMS while leaving 72 bits
	// of entropy.
	TokenLength = 12

	// TTL after which a link answers 410.
	TTL = 60 * 24 * time.Hour
)

// ErrExpired marks a link past its expiry.
var ErrExpired = errors.New("short link expired")

// Known non-human user agent fragments. Messaging apps prefetch links for
// previews; counting those as clicks would poison engagement numbers.
var botUserAgents = []string{
	"bot", "crawler", "spider", "scraper", "facebookexternalhit",
	"whatsapp", "telegram", "slackbot", "twitterbot", "linkedin",
}

// IsBotUserAgent reports whether the user agent looks automated.
func IsBotUserAgent(userAgent string) bool {
	ua := strings.ToLower(userAgent)
	for _, pattern := range botUserAgents {
		if strings.Contains(ua, pattern) {
			return true
		}
	}
	return false
}

// Store is the slice of the repository the service uses.
type Store interface {
	InsertShortLink(ctx context.Context, link *db.ShortLink) error
	GetShortLinkByToken(ctx context.Context, token string) (*db.ShortLink, error)
	RecordShortLinkClick(ctx context.Context, id uuid.UUID, human bool) (bool, error)
	InsertEvent(ctx context.Context, ev *db.Event) error
}

// Service mints and resolves short links.
type Service struct {
	store   Store
	secret  []byte
	baseURL string
	logger  *zap.Logger
	now     func() time.Time
}

// New creates a short link service. baseURL is the public host links are
// served from, without a trailing slash.
func New(store Store, secret []byte, baseURL string, logger *zap.Logger) *Service {
	return &Service{
		store:   store,
		secret:  secret,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger,
		now:     time.Now,
	}
}

// newToken derives an opaque token from the link identity plus a random
// nonce. The HMAC keeps tokens unguessable even if identifiers leak.
func (s *Service) newToken(tenantID, campaignID, contactID uuid.UUID) (string, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("token nonce: %w", err)
	}

	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s:%s:%s:%x", tenantID, campaignID, contactID, nonce)
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))[:TokenLength], nil
}

// Mint creates a short link for one recipient and returns its public URL.
func (s *Service) Mint(ctx context.Context, tenantID, campaignID, contactID uuid.UUID, targetURL string) (string, error) {
	token, err := s.newToken(tenantID, campaignID, contactID)
	if err != nil {
		return "", err
	}

	link := &db.ShortLink{
		ID:         uuid.New(),
		TenantID:   tenantID,
		CampaignID: campaignID,
		ContactID:  contactID,
		Token:      token,
		TargetURL:  targetURL,
		ExpiresAt:  s.now().Add(TTL),
	}
	if err := s.store.InsertShortLink(ctx, link); err != nil {
		return "", fmt.Errorf("insert short link: %w", err)
	}

	return s.baseURL + "/s/" + token, nil
}

// Resolve looks a token up and records the click. The redirect target is
// returned even when recording fails: losing a metric must not lose the
// recipient.
func (s *Service) Resolve(ctx context.Context, token, userAgent string) (string, error) {
	link, err := s.store.GetShortLinkByToken(ctx, token)
	if err != nil {
		return "", err
	}

	if s.now().After(link.ExpiresAt) {
		return "", ErrExpired
	}

	human := !IsBotUserAgent(userAgent)
	if human {
		metrics.RecordShortLinkClick("human")
	} else {
		metrics.RecordShortLinkClick("bot")
	}

	firstClick, err := s.store.RecordShortLinkClick(ctx, link.ID, human)
	if err != nil {
		s.logger.Error("failed to record click",
			zap.Error(err),
			zap.String("token", token),
		)
		return link.TargetURL, nil
	}

	if firstClick {
		if err := s.store.InsertEvent(ctx, &db.Event{
			TenantID:    link.TenantID,
			ContactID:   &link.ContactID,
			CampaignID:  &link.CampaignID,
			ShortLinkID: &link.ID,
			EventType:   db.EventClicked,
		}); err != nil {
			s.logger.Warn("clicked event insert failed", zap.Error(err), zap.String("token", token))
		}
	}

	return link.TargetURL, nil
}
