package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/njoerd114/yadiskd/internal/synerr"
)

// HTTPClient is the default [Client] implementation: a thin net/http
// wrapper issuing bearer-authenticated requests, classifying responses into
// the engine's error kinds rather than raw status codes.
type HTTPClient struct {
	baseURL string
	tokens  TokenProvider
	hc      *http.Client

	// uploadLimitKnown/uploadLimitBytes cache the max accepted upload size
	// until RefreshUploadLimitHint invalidates it after a 413/507 response.
	uploadLimitKnown atomic.Bool
	uploadLimitBytes atomic.Int64
}

// NewHTTPClient builds an HTTPClient talking to baseURL, authenticating via
// tokens.
func NewHTTPClient(baseURL string, tokens TokenProvider) *HTTPClient {
	return &HTTPClient{baseURL: baseURL, tokens: tokens, hc: &http.Client{Timeout: 60 * time.Second}}
}

func (c *HTTPClient) do(ctx context.Context, method, path string, query url.Values, body any) (*http.Response, error) {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		bodyReader = newJSONReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, bodyReader)
	if err != nil {
		return nil, synerr.New(synerr.Permanent, fmt.Errorf("building request: %w", err))
	}

	token, err := c.tokens.CurrentToken(ctx)
	if err != nil {
		return nil, synerr.New(synerr.Auth, fmt.Errorf("fetching token: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, synerr.New(synerr.Transient, fmt.Errorf("executing request: %w", err))
	}
	return resp, nil
}

// classify maps an HTTP status code to an error Kind.
func classify(status int) synerr.Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return synerr.Auth
	case status == http.StatusNotFound:
		return synerr.NotFound
	case status == http.StatusTooManyRequests || status >= 500:
		return synerr.Transient
	case status >= 400:
		return synerr.Permanent
	default:
		return synerr.Transient // unreachable for 2xx callers
	}
}

func statusError(resp *http.Response) error {
	kind := classify(resp.StatusCode)
	if resp.StatusCode == http.StatusTooManyRequests {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil {
				after := time.Duration(secs) * time.Second
				return synerr.NewRetryAfter(kind, after, "remote returned %d, retry-after=%ds", resp.StatusCode, secs)
			}
		}
	}
	return synerr.Newf(kind, "remote returned unexpected status %d", resp.StatusCode)
}

func (c *HTTPClient) GetResource(ctx context.Context, path string) (*Resource, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/resources", url.Values{"path": {path}}, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return nil, statusError(resp)
	}
	var wire wireResource
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, synerr.New(synerr.Transient, fmt.Errorf("decoding resource %q: %w", path, err))
	}
	r := wire.toResource()
	return &r, nil
}

func (c *HTTPClient) ListDirectory(ctx context.Context, path string, offset, limit int) ([]Resource, bool, error) {
	q := url.Values{"path": {path}, "offset": {strconv.Itoa(offset)}, "limit": {strconv.Itoa(limit)}}
	resp, err := c.do(ctx, http.MethodGet, "/v1/resources/list", q, nil)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return nil, false, statusError(resp)
	}
	var wire struct {
		Items []wireResource `json:"items"`
		Total int            `json:"total"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, false, synerr.New(synerr.Transient, fmt.Errorf("decoding listing of %q: %w", path, err))
	}
	items := make([]Resource, 0, len(wire.Items))
	for _, w := range wire.Items {
		items = append(items, w.toResource())
	}
	hasMore := offset+len(items) < wire.Total
	return items, hasMore, nil
}

func (c *HTTPClient) GetDownloadURL(ctx context.Context, path string) (string, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/resources/download", url.Values{"path": {path}}, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return "", statusError(resp)
	}
	var out struct {
		Href string `json:"href"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", synerr.New(synerr.Transient, err)
	}
	return out.Href, nil
}

func (c *HTTPClient) GetUploadURL(ctx context.Context, path string, overwrite bool) (string, error) {
	q := url.Values{"path": {path}, "overwrite": {strconv.FormatBool(overwrite)}}
	resp, err := c.do(ctx, http.MethodGet, "/v1/resources/upload", q, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return "", statusError(resp)
	}
	var out struct {
		Href string `json:"href"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", synerr.New(synerr.Transient, err)
	}
	return out.Href, nil
}

func (c *HTTPClient) CreateFolder(ctx context.Context, path string) (MutationResult, error) {
	resp, err := c.do(ctx, http.MethodPut, "/v1/resources", url.Values{"path": {path}}, nil)
	if err != nil {
		return MutationResult{}, err
	}
	return c.decodeMutation(resp)
}

func (c *HTTPClient) Move(ctx context.Context, from, to string, overwrite bool) (MutationResult, error) {
	q := url.Values{"from": {from}, "path": {to}, "overwrite": {strconv.FormatBool(overwrite)}}
	resp, err := c.do(ctx, http.MethodPost, "/v1/resources/move", q, nil)
	if err != nil {
		return MutationResult{}, err
	}
	return c.decodeMutation(resp)
}

func (c *HTTPClient) Copy(ctx context.Context, from, to string, overwrite bool) (MutationResult, error) {
	q := url.Values{"from": {from}, "path": {to}, "overwrite": {strconv.FormatBool(overwrite)}}
	resp, err := c.do(ctx, http.MethodPost, "/v1/resources/copy", q, nil)
	if err != nil {
		return MutationResult{}, err
	}
	return c.decodeMutation(resp)
}

func (c *HTTPClient) Delete(ctx context.Context, path string) (MutationResult, error) {
	resp, err := c.do(ctx, http.MethodDelete, "/v1/resources", url.Values{"path": {path}}, nil)
	if err != nil {
		return MutationResult{}, err
	}
	return c.decodeMutation(resp)
}

func (c *HTTPClient) GetOperationStatus(ctx context.Context, operationID string) (OperationStatus, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/operations/"+url.PathEscape(operationID), nil, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return "", statusError(resp)
	}
	var out struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", synerr.New(synerr.Transient, err)
	}
	return OperationStatus(out.Status), nil
}

// RefreshUploadLimitHint invalidates the cached max-upload-size hint after a
// 413/507 response and re-queries the disk's capacity endpoint, so the next
// upload attempt either short-circuits against a fresh limit or proceeds
// once the account has room again.
func (c *HTTPClient) RefreshUploadLimitHint(ctx context.Context) error {
	c.uploadLimitKnown.Store(false)
	c.uploadLimitBytes.Store(0)

	resp, err := c.do(ctx, http.MethodGet, "/v1/disk", nil, nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return statusError(resp)
	}

	var out struct {
		MaxFileSize int64 `json:"max_file_size"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return synerr.New(synerr.Transient, fmt.Errorf("decoding disk capacity: %w", err))
	}
	if out.MaxFileSize > 0 {
		c.uploadLimitBytes.Store(out.MaxFileSize)
		c.uploadLimitKnown.Store(true)
	}
	return nil
}

// UploadLimitHint returns the cached max accepted upload size, if known.
func (c *HTTPClient) UploadLimitHint(_ context.Context) (int64, bool) {
	return c.uploadLimitBytes.Load(), c.uploadLimitKnown.Load()
}

func (c *HTTPClient) decodeMutation(resp *http.Response) (MutationResult, error) {
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusRequestEntityTooLarge || resp.StatusCode == http.StatusInsufficientStorage {
		return MutationResult{}, synerr.Newf(synerr.TooLarge, "remote rejected payload: status %d", resp.StatusCode)
	}
	if resp.StatusCode >= 300 {
		return MutationResult{}, statusError(resp)
	}
	var out struct {
		OperationID string        `json:"operation_id"`
		Resource    *wireResource `json:"resource"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return MutationResult{}, synerr.New(synerr.Transient, err)
	}
	mr := MutationResult{OperationID: out.OperationID}
	if out.Resource != nil {
		r := out.Resource.toResource()
		mr.Resource = &r
	}
	return mr, nil
}

type wireResource struct {
	Path       string `json:"path"`
	ParentPath string `json:"parent_path"`
	Name       string `json:"name"`
	Type       string `json:"type"`
	Size       int64  `json:"size"`
	Modified   string `json:"modified"`
	MD5        string `json:"md5"`
	ResourceID string `json:"resource_id"`
}

func (w wireResource) toResource() Resource {
	modified, _ := time.Parse(time.RFC3339, w.Modified)
	return Resource{
		Path:       w.Path,
		ParentPath: w.ParentPath,
		Name:       w.Name,
		IsDir:      w.Type == "dir",
		Size:       w.Size,
		Modified:   modified,
		Hash:       w.MD5,
		ResourceID: w.ResourceID,
	}
}
