package repo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/roach88/prayersync/internal/model"
	"github.com/roach88/prayersync/internal/syncerr"
)

// DefaultHTTPTimeout bounds one request of the default client.
const DefaultHTTPTimeout = 10 * time.Second

// maxErrorBody caps how much of an error response is kept in messages.
const maxErrorBody = 4 << 10

// HTTPClient implements People, Intentions, Prayers and Authenticator over
// a JSON REST API rooted at a base URL:
//
//	GET    /v1/users/{owner}/people
//	POST   /v1/users/{owner}/people
//	PUT    /v1/users/{owner}/people/{id}
//	DELETE /v1/users/{owner}/people/{id}
//	       (same shape for /intentions)
//	GET    /v1/users/{owner}/prayer-records?day=YYYY-MM-DD
//	POST   /v1/users/{owner}/prayer-records
//	DELETE /v1/users/{owner}/prayer-records/{id}
//	POST   /v1/auth/refresh
//
// Thread-safety: HTTPClient is safe for concurrent use.
type HTTPClient struct {
	base   *url.URL
	client *http.Client
	logger *slog.Logger

	mu           sync.RWMutex
	accessToken  string
	refreshToken string
}

// HTTPOption configures an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPClient) {
		h.client = c
	}
}

// WithTokens sets the initial bearer and refresh tokens.
func WithTokens(access, refresh string) HTTPOption {
	return func(h *HTTPClient) {
		h.accessToken = access
		h.refreshToken = refresh
	}
}

// WithHTTPLogger sets the client logger.
func WithHTTPLogger(l *slog.Logger) HTTPOption {
	return func(h *HTTPClient) {
		h.logger = l
	}
}

// NewHTTPClient creates a client for the API at baseURL.
func NewHTTPClient(baseURL string, opts ...HTTPOption) (*HTTPClient, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base url %q: scheme must be http or https", baseURL)
	}
	h := &HTTPClient{
		base:   u,
		client: &http.Client{Timeout: DefaultHTTPTimeout},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Set returns the client wired into every slot of a repository Set.
func (h *HTTPClient) Set() Set {
	return Set{People: h, Intentions: h, Prayers: h, Auth: h}
}

func (h *HTTPClient) ListPeople(ctx context.Context, owner string) ([]model.Person, error) {
	body, err := h.do(ctx, OpListPeople, http.MethodGet, h.path(nil, "users", owner, "people"), nil)
	if err != nil {
		return nil, err
	}
	return model.DecodeList(body, model.DecodePerson)
}

func (h *HTTPClient) CreatePerson(ctx context.Context, p model.Person) (model.Person, error) {
	body, err := h.do(ctx, OpCreatePerson, http.MethodPost, h.path(nil, "users", p.OwnerID, "people"), p)
	if err != nil {
		return model.Person{}, err
	}
	return model.DecodePerson(body)
}

func (h *HTTPClient) UpdatePerson(ctx context.Context, p model.Person) (model.Person, error) {
	body, err := h.do(ctx, OpUpdatePerson, http.MethodPut, h.path(nil, "users", p.OwnerID, "people", p.ID), p)
	if err != nil {
		return model.Person{}, err
	}
	return model.DecodePerson(body)
}

func (h *HTTPClient) DeletePerson(ctx context.Context, owner, id string) error {
	_, err := h.do(ctx, OpDeletePerson, http.MethodDelete, h.path(nil, "users", owner, "people", id), nil)
	return err
}

func (h *HTTPClient) ListIntentions(ctx context.Context, owner string) ([]model.Intention, error) {
	body, err := h.do(ctx, OpListIntentions, http.MethodGet, h.path(nil, "users", owner, "intentions"), nil)
	if err != nil {
		return nil, err
	}
	return model.DecodeList(body, model.DecodeIntention)
}

func (h *HTTPClient) CreateIntention(ctx context.Context, i model.Intention) (model.Intention, error) {
	body, err := h.do(ctx, OpCreateIntention, http.MethodPost, h.path(nil, "users", i.OwnerID, "intentions"), i)
	if err != nil {
		return model.Intention{}, err
	}
	return model.DecodeIntention(body)
}

func (h *HTTPClient) UpdateIntention(ctx context.Context, i model.Intention) (model.Intention, error) {
	body, err := h.do(ctx, OpUpdateIntention, http.MethodPut, h.path(nil, "users", i.OwnerID, "intentions", i.ID), i)
	if err != nil {
		return model.Intention{}, err
	}
	return model.DecodeIntention(body)
}

func (h *HTTPClient) DeleteIntention(ctx context.Context, owner, id string) error {
	_, err := h.do(ctx, OpDeleteIntention, http.MethodDelete, h.path(nil, "users", owner, "intentions", id), nil)
	return err
}

func (h *HTTPClient) ListPrayerRecords(ctx context.Context, owner, dayKey string) ([]model.PrayerRecord, error) {
	q := url.Values{"day": {dayKey}}
	body, err := h.do(ctx, OpListPrayers, http.MethodGet, h.path(q, "users", owner, "prayer-records"), nil)
	if err != nil {
		return nil, err
	}
	return model.DecodeList(body, model.DecodePrayerRecord)
}

func (h *HTTPClient) RecordPrayer(ctx context.Context, r model.PrayerRecord) (model.PrayerRecord, error) {
	body, err := h.do(ctx, OpRecordPrayer, http.MethodPost, h.path(nil, "users", r.OwnerID, "prayer-records"), r)
	if err != nil {
		return model.PrayerRecord{}, err
	}
	return model.DecodePrayerRecord(body)
}

func (h *HTTPClient) DeletePrayerRecord(ctx context.Context, owner, id string) error {
	_, err := h.do(ctx, OpDeletePrayer, http.MethodDelete, h.path(nil, "users", owner, "prayer-records", id), nil)
	return err
}

type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// RefreshSession exchanges the refresh token for a new access token.
func (h *HTTPClient) RefreshSession(ctx context.Context) error {
	h.mu.RLock()
	rt := h.refreshToken
	h.mu.RUnlock()
	if rt == "" {
		return syncerr.Authorization(OpRefreshSession, errors.New("no refresh token"))
	}

	body, err := h.do(ctx, OpRefreshSession, http.MethodPost, h.path(nil, "auth", "refresh"), map[string]string{"refresh_token": rt})
	if err != nil {
		return err
	}
	var resp refreshResponse
	if err := json.Unmarshal(body, &resp); err != nil || resp.AccessToken == "" {
		return syncerr.Authorization(OpRefreshSession, errors.New("malformed refresh response"))
	}

	h.mu.Lock()
	h.accessToken = resp.AccessToken
	if resp.RefreshToken != "" {
		h.refreshToken = resp.RefreshToken
	}
	h.mu.Unlock()
	h.logger.Info("session refreshed")
	return nil
}

func (h *HTTPClient) path(q url.Values, segs ...string) string {
	u := h.base.JoinPath(append([]string{"v1"}, segs...)...)
	u.RawQuery = q.Encode()
	return u.String()
}

// do sends one request and returns the response body of a 2xx reply.
// Every failure is mapped onto the syncerr taxonomy.
func (h *HTTPClient) do(ctx context.Context, op, method, target string, payload any) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, syncerr.Validation(op, "encode request: %v", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
	if err != nil {
		return nil, syncerr.Validation(op, "build request: %v", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	h.mu.RLock()
	if h.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+h.accessToken)
	}
	h.mu.RUnlock()

	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, syncerr.Transient(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, syncerr.Transient(op, fmt.Errorf("read response: %w", err))
	}
	h.logger.Debug("repository request", "op", op, "method", method, "status", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}
	return nil, statusError(op, resp.StatusCode, body)
}

// statusError maps a non-2xx response onto the error taxonomy.
func statusError(op string, status int, body []byte) error {
	err := &httpStatusError{Status: status, Message: errorMessage(body)}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return syncerr.Authorization(op, err)
	case status == http.StatusTooManyRequests || status >= 500:
		return syncerr.Transient(op, err)
	default:
		// 400, 404, 409, 422 and any other client error.
		return &syncerr.Error{Code: syncerr.CodeValidation, Op: op, Message: "rejected by server", Err: err}
	}
}

type httpStatusError struct {
	Status  int
	Message string
}

func (e *httpStatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.Status)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
}

func errorMessage(body []byte) string {
	var parsed struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &parsed) == nil {
		if parsed.Error != "" {
			return parsed.Error
		}
		if parsed.Message != "" {
			return parsed.Message
		}
	}
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	return strings.TrimSpace(string(body))
}
