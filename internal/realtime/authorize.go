package realtime

import (
	"net/http"

	"github.com/assessly/assessly/internal/auth"
)

// UserVerifier checks a token issued for one user id.
type UserVerifier interface {
	Verify(userID, token string) bool
}

// TokenAuthorizer admits two kinds of connection. A request carrying the
// admin bearer token may watch every user. A request whose "userId" and
// "token" query parameters verify may watch only that user.
func TokenAuthorizer(users UserVerifier, adminToken string) Authorizer {
	return func(r *http.Request) (Scope, bool) {
		if auth.TokenMatches(auth.BearerToken(r.Header.Get("Authorization")), adminToken) {
			return Scope{All: true}, true
		}
		q := r.URL.Query()
		uid := q.Get("userId")
		if users != nil && users.Verify(uid, q.Get("token")) {
			return Scope{UserID: uid}, true
		}
		return Scope{}, false
	}
}
