package upstream

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-catalog-sync/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-catalog-sync/pkg/testhelpers"
)

func newTestIdentityServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func newTestTokenSource(url string) *TokenSource {
	return NewTokenSource(TokenConfig{
		TokenURL:     url,
		ClientID:     "client",
		ClientSecret: "secret",
		Scope:        "https://lists.example.com/.default",
	}, nil, zap.NewNop())
}

func TestTokenSource_ExchangesAndCaches(t *testing.T) {
	var calls atomic.Int32
	srv := newTestIdentityServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))
		assert.Equal(t, "client", r.PostForm.Get("client_id"))
		assert.Equal(t, "secret", r.PostForm.Get("client_secret"))
		assert.Equal(t, "https://lists.example.com/.default", r.PostForm.Get("scope"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"tok-1","token_type":"Bearer","expires_in":3600}`)
	})

	src := newTestTokenSource(srv.URL)

	tok, err := src.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)

	tok, err = src.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int64(1), src.Exchanges())
}

func TestTokenSource_RefreshesInsideMargin(t *testing.T) {
	var calls atomic.Int32
	srv := newTestIdentityServer(t, func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		fmt.Fprintf(w, `{"access_token":"tok-%d","expires_in":"120"}`, n)
	})

	src := newTestTokenSource(srv.URL)
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	now := base
	src.now = func() time.Time { return now }

	tok, err := src.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)

	// 120s ttl minus the 60s margin: still valid at +59s.
	now = base.Add(59 * time.Second)
	tok, err = src.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)

	now = base.Add(60 * time.Second)
	tok, err = src.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-2", tok)
}

func TestTokenSource_SingleFlight(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	srv := newTestIdentityServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-release
		fmt.Fprint(w, `{"access_token":"shared","expires_in":3600}`)
	})

	src := newTestTokenSource(srv.URL)

	const callers = 25
	var wg sync.WaitGroup
	results := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = src.Token(context.Background())
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "shared", results[i])
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestTokenSource_Invalidate(t *testing.T) {
	var calls atomic.Int32
	srv := newTestIdentityServer(t, func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		fmt.Fprintf(w, `{"access_token":"tok-%d","expires_in":3600}`, n)
	})

	src := newTestTokenSource(srv.URL)

	tok, err := src.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)

	src.Invalidate()

	tok, err = src.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-2", tok)
}

func TestTokenSource_RejectedCredentialsAreFatal(t *testing.T) {
	srv := newTestIdentityServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":"invalid_client"}`)
	})

	src := newTestTokenSource(srv.URL)

	_, err := src.Token(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrMissingCredentials)
	assert.True(t, apperrors.IsFatal(err))
}

func TestTokenSource_ServerErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := newTestIdentityServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})

	src := newTestTokenSource(srv.URL)

	_, err := src.Token(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, apperrors.ErrMissingCredentials)
	assert.Equal(t, int32(1), calls.Load())
}

func TestTokenSource_ExpiryFromJWT(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	access := testhelpers.GenerateAccessToken("sync-client", base.Add(10*time.Minute))

	srv := newTestIdentityServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"access_token":%q,"token_type":"Bearer"}`, access)
	})

	src := newTestTokenSource(srv.URL)
	src.now = func() time.Time { return base }

	_, err := src.Token(context.Background())
	require.NoError(t, err)

	src.mu.RLock()
	defer src.mu.RUnlock()
	assert.Equal(t, base.Add(9*time.Minute), src.expiresAt)
}

func TestTokenSource_MissingAccessToken(t *testing.T) {
	srv := newTestIdentityServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"token_type":"Bearer"}`)
	})

	_, err := newTestTokenSource(srv.URL).Token(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing access_token")
}
