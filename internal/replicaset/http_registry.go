package replicaset

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const defaultRegistryTimeout = 10 * time.Second

// HTTPRegistryConfig describes an external replica set registry.
type HTTPRegistryConfig struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     *zap.Logger
	// Authorize decorates outgoing requests, e.g. with a bearer token.
	Authorize func(*http.Request) error
}

// HTTPRegistry talks to the registry over JSON:
//
//	GET  {base}/replica_sets/{wallet}
//	POST {base}/replica_sets/{wallet}/reassign  {"failed_secondary": "...", "candidates": [...]}
type HTTPRegistry struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
	authorize  func(*http.Request) error
}

type reassignRequest struct {
	FailedSecondary string   `json:"failed_secondary"`
	Candidates      []string `json:"candidates,omitempty"`
}

// NewHTTPRegistry validates the base URL and constructs the client.
func NewHTTPRegistry(cfg HTTPRegistryConfig) (*HTTPRegistry, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("replicaset: registry base url is required")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("replicaset: invalid registry base url: %w", err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRegistryTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPRegistry{baseURL: baseURL, httpClient: httpClient, logger: logger, authorize: cfg.Authorize}, nil
}

// ResolveReplicaSet implements Resolver.
func (registry *HTTPRegistry) ResolveReplicaSet(ctx context.Context, wallet string) (ReplicaSet, error) {
	endpoint := fmt.Sprintf("%s/replica_sets/%s", registry.baseURL, url.PathEscape(normalizeWallet(wallet)))
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return ReplicaSet{}, err
	}
	return registry.do(request, wallet)
}

// ReassignSecondary implements Resolver.
func (registry *HTTPRegistry) ReassignSecondary(ctx context.Context, wallet string, failedSecondary string, candidates []string) (ReplicaSet, error) {
	body, err := json.Marshal(reassignRequest{
		FailedSecondary: NormalizeEndpoint(failedSecondary),
		Candidates:      NormalizeEndpoints(candidates),
	})
	if err != nil {
		return ReplicaSet{}, err
	}
	endpoint := fmt.Sprintf("%s/replica_sets/%s/reassign", registry.baseURL, url.PathEscape(normalizeWallet(wallet)))
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return ReplicaSet{}, err
	}
	request.Header.Set("Content-Type", "application/json")
	return registry.do(request, wallet)
}

func (registry *HTTPRegistry) do(request *http.Request, wallet string) (ReplicaSet, error) {
	if registry.authorize != nil {
		if err := registry.authorize(request); err != nil {
			return ReplicaSet{}, err
		}
	}
	response, err := registry.httpClient.Do(request)
	if err != nil {
		return ReplicaSet{}, err
	}
	defer response.Body.Close()

	switch {
	case response.StatusCode == http.StatusNotFound:
		return ReplicaSet{}, fmt.Errorf("%w: %s", ErrUnknownWallet, normalizeWallet(wallet))
	case response.StatusCode != http.StatusOK:
		registry.logger.Warn("registry request failed",
			zap.String("method", request.Method),
			zap.String("url", request.URL.String()),
			zap.Int("status", response.StatusCode))
		return ReplicaSet{}, fmt.Errorf("replicaset: registry returned status %d", response.StatusCode)
	}

	var set ReplicaSet
	if err := json.NewDecoder(response.Body).Decode(&set); err != nil {
		return ReplicaSet{}, fmt.Errorf("replicaset: decode registry response: %w", err)
	}
	if err := set.Validate(); err != nil {
		return ReplicaSet{}, err
	}
	return set.Normalize(), nil
}
