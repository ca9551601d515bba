// Package hub is the client for the remote coordination service issuing
// profiles, storage credentials and backup records.
package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hubbak/hubbak/internal/models"
	"github.com/rs/zerolog"
)

// DefaultBaseURL is the production Hub endpoint.
const DefaultBaseURL = "https://hub.hubbak.io"

// Client is the Hub operations surface the orchestrator relies on.
type Client interface {
	// GetNewProfile returns a profile newer than since, or nil when the
	// Hub has nothing newer. A zero since asks unconditionally.
	GetNewProfile(ctx context.Context, version string, since time.Time) (*models.Profile, error)
	GetCredentials(ctx context.Context) (*models.Credentials, error)
	GetBackupRecord(ctx context.Context, id string) (*models.BackupRecord, error)
	NewBackupRecord(ctx context.Context, key, version, serverID string) (*models.BackupRecord, error)
	SetBackupInProgress(ctx context.Context, id string, inProgress bool) error
	UpdatedBackup(ctx context.Context, address string) error
}

// HTTPClient allows mocking HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Impl implements Client against the Hub HTTP API.
type Impl struct {
	httpClient HTTPClient
	baseURL    string
	apiKey     string
	logger     zerolog.Logger
}

// New creates a new Hub client authenticated with the subscription API key.
func New(logger zerolog.Logger, apiKey string) *Impl {
	return &Impl{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		baseURL:    DefaultBaseURL,
		apiKey:     apiKey,
		logger:     logger,
	}
}

// NewWithClient creates a Hub client with a custom HTTP client and base URL
// (for testing).
func NewWithClient(logger zerolog.Logger, httpClient HTTPClient, baseURL, apiKey string) *Impl {
	return &Impl{
		httpClient: httpClient,
		baseURL:    baseURL,
		apiKey:     apiKey,
		logger:     logger,
	}
}

// GetNewProfile asks for a profile newer than since.
func (c *Impl) GetNewProfile(ctx context.Context, version string, since time.Time) (*models.Profile, error) {
	q := url.Values{"version": {version}}
	if !since.IsZero() {
		q.Set("since", since.Format(time.RFC3339))
	}

	var profile models.Profile
	found, err := c.do(ctx, "get-new-profile", http.MethodGet, "/v1/profile?"+q.Encode(), nil, &profile)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &profile, nil
}

// GetCredentials fetches fresh storage credentials.
func (c *Impl) GetCredentials(ctx context.Context) (*models.Credentials, error) {
	var creds models.Credentials
	if _, err := c.do(ctx, "get-credentials", http.MethodGet, "/v1/credentials", nil, &creds); err != nil {
		return nil, err
	}
	return &creds, nil
}

// GetBackupRecord revalidates a backup record by id.
func (c *Impl) GetBackupRecord(ctx context.Context, id string) (*models.BackupRecord, error) {
	var rec models.BackupRecord
	op := "get-backup-record"
	if _, err := c.do(ctx, op, http.MethodGet, "/v1/backups/"+url.PathEscape(id), nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

type newBackupRequest struct {
	Key      string `json:"key"`
	Version  string `json:"version"`
	ServerID string `json:"server_id,omitempty"`
}

// NewBackupRecord registers a new backup with the Hub.
func (c *Impl) NewBackupRecord(ctx context.Context, key, version, serverID string) (*models.BackupRecord, error) {
	body := newBackupRequest{Key: key, Version: version, ServerID: serverID}

	var rec models.BackupRecord
	if _, err := c.do(ctx, "new-backup-record", http.MethodPost, "/v1/backups", body, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

type inProgressRequest struct {
	InProgress bool `json:"in_progress"`
}

// SetBackupInProgress flags whether the backup id is currently running.
func (c *Impl) SetBackupInProgress(ctx context.Context, id string, inProgress bool) error {
	path := "/v1/backups/" + url.PathEscape(id) + "/inprogress"
	_, err := c.do(ctx, "set-backup-inprogress", http.MethodPut, path, inProgressRequest{InProgress: inProgress}, nil)
	return err
}

type updatedBackupRequest struct {
	Address string `json:"address"`
}

// UpdatedBackup records address-level "last backup" bookkeeping.
func (c *Impl) UpdatedBackup(ctx context.Context, address string) error {
	_, err := c.do(ctx, "updated-backup", http.MethodPost, "/v1/backups/updated", updatedBackupRequest{Address: address}, nil)
	return err
}

// do runs one Hub request. The second return value reports whether the Hub
// had content for us (false on 204). Non-2xx responses are classified into
// the error taxonomy: 402 is a subscription-state error, 404 on a record
// lookup is an explicit invalidation, everything else is generic.
func (c *Impl) do(ctx context.Context, op, method, path string, body, out any) (bool, error) {
	var reqBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return false, &Error{Kind: KindGeneric, Op: op, Message: err.Error()}
		}
		reqBody = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return false, &Error{Kind: KindGeneric, Op: op, Message: err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.logger.Debug().Str("op", op).Str("method", method).Str("path", path).Msg("hub request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, &Error{Kind: KindGeneric, Op: op, Message: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return false, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode == http.StatusPaymentRequired:
		return false, &Error{Kind: KindNotSubscribed, Op: op, Message: readMessage(resp.Body)}
	case resp.StatusCode == http.StatusNotFound && op == "get-backup-record":
		return false, &Error{Kind: KindInvalidBackup, Op: op, Message: readMessage(resp.Body)}
	default:
		return false, &Error{
			Kind:    KindGeneric,
			Op:      op,
			Message: fmt.Sprintf("hub returned status %d: %s", resp.StatusCode, readMessage(resp.Body)),
		}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return false, &Error{Kind: KindGeneric, Op: op, Message: "decoding response: " + err.Error()}
		}
	}
	return true, nil
}

type errorResponse struct {
	Message string `json:"message"`
}

func readMessage(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(data) == 0 {
		return ""
	}
	var er errorResponse
	if json.Unmarshal(data, &er) == nil && er.Message != "" {
		return er.Message
	}
	return string(bytes.TrimSpace(data))
}
