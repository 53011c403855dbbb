package lockstep

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// HTTPDoer is an interface for making HTTP requests.
// It is implemented by *http.Client and can be mocked in tests.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// OperationResult is returned by a successful delivery.
type OperationResult struct {
	// Response is the remote's response body, if any.
	Response []byte

	// RemoteVersion is the record version acknowledged by the remote,
	// when the remote tracks one. Zero means unknown.
	RemoteVersion int64
}

// Operator performs a queued action against the remote. Implementations
// map action names to endpoints or RPCs.
//
// Errors must use the package taxonomy so the engine can classify them:
// *NetworkError is retried, *ValidationError fails the item permanently,
// and *VersionConflictError records a conflict for later resolution.
type Operator interface {
	Perform(ctx context.Context, action string, payload []byte) (*OperationResult, error)
}

// OperatorFunc adapts a function to the Operator interface.
type OperatorFunc func(ctx context.Context, action string, payload []byte) (*OperationResult, error)

// Perform calls f.
func (f OperatorFunc) Perform(ctx context.Context, action string, payload []byte) (*OperationResult, error) {
	return f(ctx, action, payload)
}

// HeaderRecordVersion is the response header the HTTP operator reads the
// acknowledged record version from.
const HeaderRecordVersion = "X-Record-Version"

// HTTPAuth configures authentication for the HTTP operator.
type HTTPAuth struct {
	// Type is one of "api_key", "bearer", or "basic".
	Type        string
	APIKey      string
	BearerToken string
	Username    string
	Password    string
}

// HTTPOperatorConfig configures HTTPOperator.
type HTTPOperatorConfig struct {
	// BaseURL is the endpoint prefix; each action is POSTed to
	// BaseURL/<action>.
	BaseURL string

	// Auth adds authentication headers when non-nil.
	Auth *HTTPAuth

	// Headers are added to every request.
	Headers map[string]string

	// Client is the HTTP client to use. Default: http.Client with a
	// 30 second timeout.
	Client HTTPDoer
}

// HTTPOperator is the reference Operator for JSON-over-HTTP backends.
// It POSTs each action's payload to BaseURL/<action> and translates
// responses into the package error taxonomy: transport faults, 5xx and
// 429 become *NetworkError, 409 becomes *VersionConflictError built
// from the response body, and other 4xx become *ValidationError.
type HTTPOperator struct {
	baseURL string
	auth    *HTTPAuth
	headers map[string]string
	client  HTTPDoer
}

// NewHTTPOperator creates an HTTP operator.
func NewHTTPOperator(cfg HTTPOperatorConfig) *HTTPOperator {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPOperator{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		auth:    cfg.Auth,
		headers: cfg.Headers,
		client:  client,
	}
}

// conflictResponse is the expected body of a 409 response.
type conflictResponse struct {
	RemoteVersion int64           `json:"remote_version"`
	Data          json.RawMessage `json:"data"`
}

// Perform delivers one action.
func (o *HTTPOperator) Perform(ctx context.Context, action string, payload []byte) (*OperationResult, error) {
	url := o.baseURL + "/" + action
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, newValidationError(action, "build request", 0, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range o.headers {
		req.Header.Set(k, v)
	}
	if o.auth != nil {
		switch o.auth.Type {
		case "api_key":
			req.Header.Set("X-API-Key", o.auth.APIKey)
		case "bearer":
			req.Header.Set("Authorization", "Bearer "+o.auth.BearerToken)
		case "basic":
			req.SetBasicAuth(o.auth.Username, o.auth.Password)
		}
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, newNetworkError("POST", url, 0, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, newNetworkError("POST", url, 0, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		result := &OperationResult{Response: body}
		if v := resp.Header.Get(HeaderRecordVersion); v != "" {
			if version, err := strconv.ParseInt(v, 10, 64); err == nil {
				result.RemoteVersion = version
			}
		}
		return result, nil

	case resp.StatusCode == http.StatusConflict:
		conflictErr := &VersionConflictError{}
		var cr conflictResponse
		if json.Unmarshal(body, &cr) == nil {
			conflictErr.RemoteVersion = cr.RemoteVersion
			conflictErr.RemoteData = []byte(cr.Data)
		}
		return nil, conflictErr

	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, newNetworkError("POST", url, resp.StatusCode, nil)

	default:
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = fmt.Sprintf("remote rejected request with status %d", resp.StatusCode)
		}
		return nil, newValidationError(action, msg, resp.StatusCode, nil)
	}
}
