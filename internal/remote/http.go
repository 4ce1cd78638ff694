package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"rutapos/core/internal/domain"
)

// HTTPSource talks to the reference backend over its JSON API. A JWT access
// token is obtained lazily on first use and refreshed shortly before expiry.
type HTTPSource struct {
	baseURL  string
	username string
	password string
	client   *http.Client
	logger   *zap.Logger

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

func NewHTTPSource(baseURL, username, password string, timeout time.Duration, logger *zap.Logger) *HTTPSource {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSource{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

func (s *HTTPSource) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/api/v1/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Submit posts one action. HTTP 200 maps to ack, 409 to conflict and 422 to
// rejection; anything else, including transport errors and timeouts, is a
// retryable failure.
func (s *HTTPSource) Submit(ctx context.Context, action domain.QueuedAction) (domain.SubmitResponse, error) {
	token, err := s.token(ctx)
	if err != nil {
		return domain.SubmitResponse{}, fmt.Errorf("authenticate: %w", err)
	}

	body, err := json.Marshal(action)
	if err != nil {
		return domain.SubmitResponse{}, fmt.Errorf("marshal action: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/api/v1/actions", bytes.NewReader(body))
	if err != nil {
		return domain.SubmitResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.client.Do(req)
	if err != nil {
		return domain.SubmitResponse{}, fmt.Errorf("submit action %s: %w", action.ID, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusConflict, http.StatusUnprocessableEntity:
		var submitResp domain.SubmitResponse
		if err := json.NewDecoder(resp.Body).Decode(&submitResp); err != nil {
			return domain.SubmitResponse{}, fmt.Errorf("decode submit response: %w", err)
		}
		return submitResp, nil
	case http.StatusUnauthorized:
		// Token may have been revoked server-side; force a re-login on the
		// next attempt and let the scheduler retry.
		s.mu.Lock()
		s.accessToken = ""
		s.mu.Unlock()
		return domain.SubmitResponse{}, fmt.Errorf("submit action %s: unauthorized", action.ID)
	default:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return domain.SubmitResponse{}, fmt.Errorf("submit action %s: status %d: %s", action.ID, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
}

func (s *HTTPSource) token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.accessToken != "" && time.Now().Before(s.tokenExpiry.Add(-30*time.Second)) {
		return s.accessToken, nil
	}

	body, err := json.Marshal(domain.LoginRequest{Username: s.username, Password: s.password})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/api/v1/login", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("login: status %d", resp.StatusCode)
	}

	var login domain.LoginResponse
	if err := json.NewDecoder(resp.Body).Decode(&login); err != nil {
		return "", fmt.Errorf("decode login response: %w", err)
	}
	expiry, err := time.Parse(time.RFC3339, login.ExpiresAt)
	if err != nil {
		// Unknown expiry; keep the token for a conservative window.
		expiry = time.Now().Add(5 * time.Minute)
	}

	s.accessToken = login.AccessToken
	s.tokenExpiry = expiry
	s.logger.Debug("authenticated against backend", zap.Time("token_expiry", expiry))
	return s.accessToken, nil
}
