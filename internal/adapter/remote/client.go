package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/praxio/localcore/internal/domain"
)

// Client talks to the practice-management server of record. It implements
// domain.RemoteGateway and domain.IdentityProvider. Transport failures and
// 5xx responses surface as *domain.NetworkError, 409 as
// *domain.ConflictError and 400/422 as *domain.ValidationError so the sync
// queue can pick the right failure policy.
type Client struct {
	baseURL string
	hc      *http.Client
	logger  *slog.Logger
}

// New constructs a Client for the given server URL.
func New(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		hc:      &http.Client{Timeout: timeout},
		logger:  logger.With("component", "remote_client"),
	}
}

type pushResponse struct {
	ID      string          `json:"id"`
	Version int64           `json:"version"`
	Payload json.RawMessage `json:"payload"`
}

type errorResponse struct {
	Error         string `json:"error"`
	ServerVersion int64  `json:"server_version,omitempty"`
}

// Push replays one queued mutation against the server and returns the
// authoritative id/version on acceptance.
func (c *Client) Push(ctx context.Context, op domain.SyncOperation) (*domain.RemoteResult, error) {
	var (
		method string
		path   string
	)
	switch op.Kind {
	case domain.OpCreate:
		method = http.MethodPost
		path = "/v1/entities/" + url.PathEscape(op.EntityType)
	case domain.OpUpdate:
		method = http.MethodPut
		path = "/v1/entities/" + url.PathEscape(op.EntityType) + "/" + url.PathEscape(op.EntityID)
	case domain.OpDelete:
		method = http.MethodDelete
		path = "/v1/entities/" + url.PathEscape(op.EntityType) + "/" + url.PathEscape(op.EntityID)
	default:
		return nil, &domain.ValidationError{EntityType: op.EntityType, Detail: fmt.Sprintf("unknown operation kind %q", op.Kind)}
	}

	body, err := json.Marshal(struct {
		ID          string          `json:"id,omitempty"`
		Payload     json.RawMessage `json:"payload,omitempty"`
		BaseVersion int64           `json:"base_version"`
		TenantID    string          `json:"tenant_id"`
		PracticeID  string          `json:"practice_id"`
	}{
		ID:          op.EntityID,
		Payload:     op.Payload,
		BaseVersion: op.BaseVersion,
		TenantID:    op.Scope.TenantID,
		PracticeID:  op.Scope.PracticeID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal push body: %w", err)
	}

	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return nil, &domain.NetworkError{Op: "push", Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		var out pushResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, fmt.Errorf("failed to decode push response: %w", err)
		}
		return &domain.RemoteResult{ID: out.ID, Version: out.Version, Payload: out.Payload}, nil

	case resp.StatusCode == http.StatusConflict:
		e := decodeError(resp)
		return nil, &domain.ConflictError{
			EntityType:    op.EntityType,
			EntityID:      op.EntityID,
			BaseVersion:   op.BaseVersion,
			ServerVersion: e.ServerVersion,
		}

	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return nil, &domain.ValidationError{EntityType: op.EntityType, Detail: decodeError(resp).Error}

	case resp.StatusCode >= 500:
		return nil, &domain.NetworkError{Op: "push", Err: fmt.Errorf("server returned %d", resp.StatusCode)}

	default:
		return nil, fmt.Errorf("push rejected with status %d: %s", resp.StatusCode, decodeError(resp).Error)
	}
}

// FetchIdentity loads the user/tenant profile from the identity endpoint.
func (c *Client) FetchIdentity(ctx context.Context, userID string) (*domain.Identity, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/identity/"+url.PathEscape(userID), nil)
	if err != nil {
		return nil, &domain.NetworkError{Op: "identity", Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 500 {
		return nil, &domain.NetworkError{Op: "identity", Err: fmt.Errorf("server returned %d", resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("identity request rejected with status %d: %s", resp.StatusCode, decodeError(resp).Error)
	}

	var identity domain.Identity
	if err := json.NewDecoder(resp.Body).Decode(&identity); err != nil {
		return nil, fmt.Errorf("failed to decode identity: %w", err)
	}
	return &identity, nil
}

// FetchRoleAssignments loads the user's explicit role assignments for one
// practice. An empty list is a valid answer; the permission evaluator
// synthesizes a role from the primary role label in that case.
func (c *Client) FetchRoleAssignments(ctx context.Context, userID, tenantID, practiceID string) ([]domain.RoleAssignment, error) {
	q := url.Values{}
	q.Set("user_id", userID)
	q.Set("tenant_id", tenantID)
	q.Set("practice_id", practiceID)

	resp, err := c.do(ctx, http.MethodGet, "/v1/role-assignments?"+q.Encode(), nil)
	if err != nil {
		return nil, &domain.NetworkError{Op: "role_assignments", Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 500 {
		return nil, &domain.NetworkError{Op: "role_assignments", Err: fmt.Errorf("server returned %d", resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("role assignments request rejected with status %d: %s", resp.StatusCode, decodeError(resp).Error)
	}

	var out struct {
		Assignments []domain.RoleAssignment `json:"assignments"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode role assignments: %w", err)
	}
	return out.Assignments, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.hc.Do(req)
}

func decodeError(resp *http.Response) errorResponse {
	var e errorResponse
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return errorResponse{Error: resp.Status}
	}
	if err := json.Unmarshal(raw, &e); err != nil || e.Error == "" {
		e.Error = strings.TrimSpace(string(raw))
		if e.Error == "" {
			e.Error = resp.Status
		}
	}
	return e
}
