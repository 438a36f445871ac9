// Package credential fetches session access tokens from the token service.
package credential

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicecall/internal/domain"
)

const maxBodySize = 64 << 10

var (
	ErrStatus       = errors.New("unexpected status")
	ErrMissingToken = errors.New("response has no token")
)

type Client struct {
	endpoint string
	http     *http.Client
}

type tokenResponse struct {
	Token *string `json:"token"`
}

// New builds a client for baseURL+path. A zero timeout leaves requests bound
// only by the caller's context.
func New(baseURL, path string, timeout time.Duration) *Client {
	return &Client{
		endpoint: strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(path, "/"),
		http:     &http.Client{Timeout: timeout},
	}
}

// Issue makes one GET request carrying the identity and every session
// parameter as query values. It never retries.
func (c *Client) Issue(ctx context.Context, params domain.SessionParameters, id domain.SessionIdentity) (domain.Credential, error) {
	q := url.Values{}
	q.Set("room", string(id.RoomID))
	q.Set("user", string(id.UserID))
	for _, f := range params.QueryFields() {
		q.Set(f.Key, f.Value)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return domain.Credential{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.Credential{}, fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return domain.Credential{}, fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		log.Warn().
			Str("module", "adapters.credential").
			Int("status", resp.StatusCode).
			Str("room", string(id.RoomID)).
			Msg("token request rejected")
		return domain.Credential{}, fmt.Errorf("%w: %d", ErrStatus, resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return domain.Credential{}, fmt.Errorf("decode response: %w", err)
	}
	if tr.Token == nil || *tr.Token == "" {
		return domain.Credential{}, ErrMissingToken
	}
	log.Debug().Str("module", "adapters.credential").Str("room", string(id.RoomID)).Msg("token issued")
	return domain.NewCredential(*tr.Token), nil
}
