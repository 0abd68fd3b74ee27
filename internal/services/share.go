package services

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/MarkHenton/n8n-med-scribe/internal/config"
)

func SignURL(path string, expiresAt int64, secret string) string {
	signature := computeSignature(path, expiresAt, secret)
	return fmt.Sprintf("%s?exp=%d&sig=%s", path, expiresAt, signature)
}

func ValidateSignature(path string, expiresAt int64, signature, secret string) bool {
	expected := computeSignature(path, expiresAt, secret)
	return hmac.Equal([]byte(signature), []byte(expected))
}

// ShareService issues expiring links to a lecture's PDF.
type ShareService struct {
	secret  string
	baseURL string
	ttl     time.Duration
	now     func() time.Time
}

func NewShareService(cfg config.Config) *ShareService {
	return &ShareService{
		secret:  cfg.ShareSecret,
		baseURL: cfg.BaseURL,
		ttl:     cfg.ShareTTL,
		now:     time.Now,
	}
}

func LecturePDFPath(lectureID string) string {
	return fmt.Sprintf("/pdf/%s", lectureID)
}

func (s *ShareService) Generate(lectureID string) (string, time.Time) {
	expiresAt := s.now().Add(s.ttl)
	signedPath := SignURL(LecturePDFPath(lectureID), expiresAt.Unix(), s.secret)
	return s.baseURL + signedPath, expiresAt
}

// Validate checks the signature and that the link has not expired.
func (s *ShareService) Validate(path string, expires int64, signature string) bool {
	if s.now().Unix() > expires {
		return false
	}
	return ValidateSignature(path, expires, signature, s.secret)
}

func computeSignature(path string, expiresAt int64, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(fmt.Sprintf("%s:%d", path, expiresAt)))
	sig := h.Sum(nil)
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(sig)
}
