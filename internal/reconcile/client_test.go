package reconcile

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/assessly/assessly/internal/purchases"
)

func newAccessServer(t *testing.T) (*httptest.Server, *purchases.Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	svc := purchases.NewService(purchases.NewMemoryStore())
	r := gin.New()
	purchases.NewHandler(svc).RegisterRoutes(r.Group("/v1"))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, svc
}

func TestHTTPChecker_HasAccess(t *testing.T) {
	srv, svc := newAccessServer(t)
	checker := NewHTTPChecker(srv.URL + "/")
	ctx := context.Background()

	ok, err := checker.HasAccess(ctx, "u1", "a1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = svc.Grant(ctx, purchases.GrantRequest{UserID: "u1", AssessmentID: "a1"})
	require.NoError(t, err)

	ok, err = checker.HasAccess(ctx, "u1", "a1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHTTPChecker_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"internal_error"}`, http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewHTTPChecker(srv.URL).HasAccess(context.Background(), "u1", "a1")
	assert.ErrorContains(t, err, "returned 500")
}

func TestHTTPChecker_BadBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer srv.Close()

	_, err := NewHTTPChecker(srv.URL).HasAccess(context.Background(), "u1", "a1")
	assert.ErrorContains(t, err, "decode access status")
}

func TestPoller_AgainstServer(t *testing.T) {
	srv, svc := newAccessServer(t)
	ctx := context.Background()

	checks := 0
	base := NewHTTPChecker(srv.URL)
	checker := CheckerFunc(func(ctx context.Context, u, a string) (bool, error) {
		checks++
		if checks == 2 {
			// The webhook lands just before the second poll.
			if _, err := svc.Grant(ctx, purchases.GrantRequest{UserID: u, AssessmentID: a}); err != nil {
				return false, err
			}
		}
		return base.HasAccess(ctx, u, a)
	})
	p := &Poller{Checker: checker, Delay: time.Millisecond}

	assert.True(t, p.Poll(ctx, "u1", "a1", 5))
	assert.Equal(t, 2, checks)
}
