package credential

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/voicecall/internal/domain"
)

var testID = domain.SessionIdentity{UserID: "user-1", RoomID: "room-1"}

func TestIssueSendsFlattenedQuery(t *testing.T) {
	var got url.Values
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		path = r.URL.Path
		got = r.URL.Query()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"token":"abc","identity":"user-1"}`))
	}))
	defer srv.Close()

	c := New(srv.URL+"/", "/api/token/loan", 0)
	cred, err := c.Issue(context.Background(), domain.DefaultSessionParameters(), testID)
	require.NoError(t, err)

	assert.Equal(t, "abc", cred.Token())
	assert.Equal(t, "/api/token/loan", path)
	assert.Equal(t, "room-1", got.Get("room"))
	assert.Equal(t, "user-1", got.Get("user"))
	assert.Equal(t, "Maya", got.Get("bot_name"))
	assert.Equal(t, "ICICI Bank", got.Get("bank_name"))
	assert.Equal(t, "94", got.Get("over_due_days"))
	assert.Len(t, got, 13)
}

func TestIssueFailures(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"server error", http.StatusInternalServerError, `{"token":"abc"}`, ErrStatus},
		{"forbidden", http.StatusForbidden, ``, ErrStatus},
		{"missing token", http.StatusOK, `{"identity":"x"}`, ErrMissingToken},
		{"empty token", http.StatusOK, `{"token":""}`, ErrMissingToken},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			_, err := New(srv.URL, "/token", 0).Issue(context.Background(), domain.DefaultSessionParameters(), testID)
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestIssueMalformedJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, "/token", 0).Issue(context.Background(), domain.DefaultSessionParameters(), testID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode response")
}

func TestIssueMakesSingleAttempt(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := New(srv.URL, "/token", 0).Issue(context.Background(), domain.DefaultSessionParameters(), testID)
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestIssueHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New("http://127.0.0.1:1", "/token", 0).Issue(ctx, domain.DefaultSessionParameters(), testID)
	require.ErrorIs(t, err, context.Canceled)
}
