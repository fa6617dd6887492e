package offline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mesh-intelligence/splitsync/pkg/types"
)

// Entity is a server copy of an entity with the version its ETag carried.
type Entity struct {
	Data    json.RawMessage
	Version int64
}

// Remote is the server the driver replays mutations against.
type Remote interface {
	Create(ctx context.Context, entityType string, data json.RawMessage, version int64) (Entity, error)
	Update(ctx context.Context, entityType, entityID string, data json.RawMessage, version int64) (Entity, error)
	Delete(ctx context.Context, entityType, entityID string, version int64) (Entity, error)
	Get(ctx context.Context, entityType, entityID string) (Entity, error)
	ReportConflicts(ctx context.Context, records []types.ConflictRecord) error
	ResolveConflict(ctx context.Context, id, resolution string) (json.RawMessage, error)
}

// StatusError is a non-success response the client has no mapping for.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Body)
}

// HTTPRemote talks to the splitsync HTTP API.
type HTTPRemote struct {
	baseURL string
	userID  string
	client  *http.Client
}

// NewHTTPRemote builds a remote for the server at baseURL acting as userID.
func NewHTTPRemote(baseURL, userID string, timeout time.Duration) *HTTPRemote {
	return &HTTPRemote{
		baseURL: strings.TrimRight(baseURL, "/"),
		userID:  userID,
		client:  &http.Client{Timeout: timeout},
	}
}

func collection(entityType string) (string, error) {
	switch entityType {
	case types.EntityExpense:
		return "/api/expenses", nil
	case types.EntitySettlement:
		return "/api/settlements", nil
	}
	return "", types.ErrUnknownEntityType
}

// Create posts a new entity.
func (r *HTTPRemote) Create(ctx context.Context, entityType string, data json.RawMessage, version int64) (Entity, error) {
	path, err := collection(entityType)
	if err != nil {
		return Entity{}, err
	}
	return r.entity(ctx, http.MethodPost, path, "", data)
}

// Update puts a new copy of an entity at the version it was edited from.
func (r *HTTPRemote) Update(ctx context.Context, entityType, entityID string, data json.RawMessage, version int64) (Entity, error) {
	path, err := collection(entityType)
	if err != nil {
		return Entity{}, err
	}
	return r.entity(ctx, http.MethodPut, path+"/"+entityID, types.ETag(entityID, version), data)
}

// Delete soft-deletes an entity at the version the client last saw.
func (r *HTTPRemote) Delete(ctx context.Context, entityType, entityID string, version int64) (Entity, error) {
	path, err := collection(entityType)
	if err != nil {
		return Entity{}, err
	}
	return r.entity(ctx, http.MethodDelete, path+"/"+entityID, types.ETag(entityID, version), nil)
}

// Get fetches the current server copy.
func (r *HTTPRemote) Get(ctx context.Context, entityType, entityID string) (Entity, error) {
	path, err := collection(entityType)
	if err != nil {
		return Entity{}, err
	}
	return r.entity(ctx, http.MethodGet, path+"/"+entityID, "", nil)
}

// ReportConflicts sends conflict records to the server.
func (r *HTTPRemote) ReportConflicts(ctx context.Context, records []types.ConflictRecord) error {
	body, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("encoding conflicts: %w", err)
	}
	_, _, err = r.do(ctx, http.MethodPost, "/api/conflicts", "", body)
	return err
}

// ResolveConflict submits a resolution and returns the resulting entity.
func (r *HTTPRemote) ResolveConflict(ctx context.Context, id, resolution string) (json.RawMessage, error) {
	body, err := json.Marshal(map[string]string{"resolution": resolution})
	if err != nil {
		return nil, err
	}
	raw, _, err := r.do(ctx, http.MethodPost, "/api/conflicts/"+id+"/resolve", "", body)
	if err != nil {
		return nil, err
	}
	var resolved struct {
		Entity json.RawMessage `json:"entity"`
	}
	if err := json.Unmarshal(raw, &resolved); err != nil {
		return nil, fmt.Errorf("decoding resolution: %w", err)
	}
	return resolved.Entity, nil
}

func (r *HTTPRemote) entity(ctx context.Context, method, path, ifMatch string, body []byte) (Entity, error) {
	raw, header, err := r.do(ctx, method, path, ifMatch, body)
	if err != nil {
		return Entity{}, err
	}
	_, version, err := types.ParseETag(header.Get("ETag"))
	if err != nil {
		return Entity{}, fmt.Errorf("reading ETag: %w", err)
	}
	return Entity{Data: raw, Version: version}, nil
}

// do sends one request. Transport failures and 5xx responses wrap
// types.ErrRemoteUnavailable; 404 wraps types.ErrNotFound; 409 with a current
// version becomes a *types.VersionConflictError.
func (r *HTTPRemote) do(ctx context.Context, method, path, ifMatch string, body []byte) ([]byte, http.Header, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reader)
	if err != nil {
		return nil, nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", r.userID)
	if ifMatch != "" {
		req.Header.Set("If-Match", ifMatch)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", types.ErrRemoteUnavailable, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: reading body: %v", types.ErrRemoteUnavailable, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return raw, resp.Header, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil, fmt.Errorf("%s %s: %w", method, path, types.ErrNotFound)
	case resp.StatusCode == http.StatusConflict:
		var body struct {
			CurrentVersion *int64 `json:"currentVersion"`
		}
		if json.Unmarshal(raw, &body) == nil && body.CurrentVersion != nil {
			return nil, nil, &types.VersionConflictError{CurrentVersion: *body.CurrentVersion}
		}
		return nil, nil, &StatusError{Code: resp.StatusCode, Body: string(raw)}
	case resp.StatusCode >= 500:
		return nil, nil, fmt.Errorf("%w: %s %s returned %d", types.ErrRemoteUnavailable, method, path, resp.StatusCode)
	}
	return nil, nil, &StatusError{Code: resp.StatusCode, Body: string(raw)}
}
