package tracking

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// UnsubscribeTTL is how long an issued unsubscribe token stays valid.
const UnsubscribeTTL = 365 * 24 * time.Hour

// UnsubscribeClaims are the identifiers carried inside a verified token.
type UnsubscribeClaims struct {
	ContactID  string
	ListID     string
	CampaignID string
	ExpiresAt  time.Time
}

// TokenIssuer creates and verifies HMAC-signed unsubscribe tokens. Tokens
// are opaque to recipients; the signature covers every claim including the
// expiry.
type TokenIssuer struct {
	key []byte
	now func() time.Time
}

// NewTokenIssuer creates an issuer with the given signing key.
func NewTokenIssuer(signingKey string) *TokenIssuer {
	return &TokenIssuer{key: []byte(signingKey), now: time.Now}
}

// Issue creates a token valid for UnsubscribeTTL.
func (ti *TokenIssuer) Issue(contactID, listID, campaignID string) string {
	exp := ti.now().Add(UnsubscribeTTL).Unix()
	data := fmt.Sprintf("%s|%s|%s|%d", contactID, listID, campaignID, exp)
	encoded := base64.RawURLEncoding.EncodeToString([]byte(data))
	return encoded + "." + ti.sign(data)
}

// Verify checks the signature and expiry and returns the claims.
func (ti *TokenIssuer) Verify(token string) (*UnsubscribeClaims, error) {
	encoded, sig, ok := strings.Cut(token, ".")
	if !ok {
		return nil, fmt.Errorf("malformed token")
	}
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("malformed token")
	}
	data := string(raw)
	if !hmac.Equal([]byte(ti.sign(data)), []byte(sig)) {
		return nil, fmt.Errorf("invalid signature")
	}
	parts := strings.Split(data, "|")
	if len(parts) != 4 {
		return nil, fmt.Errorf("malformed token")
	}
	exp, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed token")
	}
	expiresAt := time.Unix(exp, 0)
	if ti.now().After(expiresAt) {
		return nil, fmt.Errorf("token expired")
	}
	return &UnsubscribeClaims{
		ContactID:  parts[0],
		ListID:     parts[1],
		CampaignID: parts[2],
		ExpiresAt:  expiresAt,
	}, nil
}

func (ti *TokenIssuer) sign(data string) string {
	h := hmac.New(sha256.New, ti.key)
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))[:16]
}
