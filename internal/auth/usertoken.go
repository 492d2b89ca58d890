package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// DefaultUserTokenTTL is how long an issued user token stays valid.
const DefaultUserTokenTTL = 24 * time.Hour

// UserTokens issues and verifies tokens that bind a caller to one user id.
// A token has the form "<unix expiry>.<hex hmac>" where the MAC covers the
// user id and the expiry.
type UserTokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewUserTokens creates an issuer. An empty secret is replaced with a random
// one, so tokens from a previous process stop verifying.
func NewUserTokens(secret string, ttl time.Duration) *UserTokens {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		_, _ = rand.Read(key)
	}
	if ttl <= 0 {
		ttl = DefaultUserTokenTTL
	}
	return &UserTokens{secret: key, ttl: ttl, now: time.Now}
}

// Issue returns a token for userID.
func (u *UserTokens) Issue(userID string) string {
	exp := strconv.FormatInt(u.now().Add(u.ttl).Unix(), 10)
	return exp + "." + hex.EncodeToString(u.mac(userID, exp))
}

// Verify reports whether token was issued for userID and has not expired.
func (u *UserTokens) Verify(userID, token string) bool {
	if userID == "" || token == "" {
		return false
	}
	exp, sig, ok := strings.Cut(token, ".")
	if !ok {
		return false
	}
	unix, err := strconv.ParseInt(exp, 10, 64)
	if err != nil || u.now().Unix() >= unix {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	return hmac.Equal(got, u.mac(userID, exp))
}

func (u *UserTokens) mac(userID, exp string) []byte {
	m := hmac.New(sha256.New, u.secret)
	m.Write([]byte(exp))
	m.Write([]byte{0})
	m.Write([]byte(userID))
	return m.Sum(nil)
}
