package mpesa

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/gateway"
	"golang.org/x/oauth2"
)

// expiryMargin refreshes tokens slightly before the provider expires them.
const expiryMargin = time.Minute

// TokenSource caches the client-credentials access token. Concurrent callers
// that all observe an expired token may each fetch a new one; the last write
// wins and every fetched token is valid.
type TokenSource struct {
	client *gateway.Client
	key    string
	secret string
	now    func() time.Time

	mu  sync.RWMutex
	tok *oauth2.Token
}

var _ oauth2.TokenSource = (*TokenSource)(nil)

func NewTokenSource(client *gateway.Client, consumerKey, consumerSecret string) *TokenSource {
	return &TokenSource{client: client, key: consumerKey, secret: consumerSecret, now: time.Now}
}

func (s *TokenSource) Token() (*oauth2.Token, error) {
	return s.TokenContext(context.Background())
}

func (s *TokenSource) TokenContext(ctx context.Context) (*oauth2.Token, error) {
	s.mu.RLock()
	tok := s.tok
	s.mu.RUnlock()
	if s.valid(tok) {
		return tok, nil
	}

	fresh, err := s.fetch(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.tok = fresh
	s.mu.Unlock()
	return fresh, nil
}

func (s *TokenSource) valid(tok *oauth2.Token) bool {
	return tok != nil && tok.AccessToken != "" && s.now().Add(expiryMargin).Before(tok.Expiry)
}

type tokenResponse struct {
	AccessToken string      `json:"access_token"`
	ExpiresIn   json.Number `json:"expires_in"`
}

func (s *TokenSource) fetch(ctx context.Context) (*oauth2.Token, error) {
	h := http.Header{}
	h.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(s.key+":"+s.secret)))

	status, body, err := s.client.Call(ctx, http.MethodGet, "/oauth/v1/generate", "grant_type=client_credentials", nil, h)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, gateway.Unavailable("mobile money authentication failed", fmt.Errorf("token endpoint returned %d", status))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, gateway.Unavailable("mobile money authentication failed", fmt.Errorf("decode token: %w", err))
	}
	if tr.AccessToken == "" {
		return nil, gateway.Unavailable("mobile money authentication failed", fmt.Errorf("empty access token"))
	}
	secs, err := strconv.Atoi(tr.ExpiresIn.String())
	if err != nil || secs <= 0 {
		secs = 3599
	}

	return &oauth2.Token{
		AccessToken: tr.AccessToken,
		TokenType:   "Bearer",
		Expiry:      s.now().Add(time.Duration(secs) * time.Second),
	}, nil
}
