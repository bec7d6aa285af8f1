package peer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/contentnode/internal/ledger"
	"go.uber.org/zap"
)

const (
	defaultRequestTimeout = 30 * time.Second
	maxErrorBodyBytes     = 4096
)

var (
	// ErrPeerUnavailable wraps transport failures reaching a peer.
	ErrPeerUnavailable = errors.New("peer: unavailable")
	// ErrForceWipeRefused reports a secondary that declined to wipe its copy of a user.
	ErrForceWipeRefused = errors.New("peer: force wipe refused")
)

// StatusError reports a non-2xx answer from a peer.
type StatusError struct {
	StatusCode int
	Code       string
}

func (e *StatusError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("peer: status %d", e.StatusCode)
	}
	return fmt.Sprintf("peer: status %d: %s", e.StatusCode, e.Code)
}

// Unwrap maps protocol error codes back to the ledger's sentinels.
func (e *StatusError) Unwrap() error {
	switch e.Code {
	case ErrorCodeNonContiguousBatch:
		return ledger.ErrNonContiguousBatch
	case ErrorCodeOutOfOrderBatch:
		return ledger.ErrOutOfOrderBatch
	case ErrorCodeWalletMismatch:
		return ledger.ErrWalletMismatch
	case ErrorCodeUserNotFound:
		return ledger.ErrUserNotFound
	case ErrorCodeForceWipeDisabled, ErrorCodePrimaryWipe:
		return ErrForceWipeRefused
	default:
		return nil
	}
}

// IsRetryable reports whether repeating the same request may succeed.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrPeerUnavailable) {
		return true
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= http.StatusInternalServerError || statusErr.StatusCode == http.StatusTooManyRequests
	}
	return false
}

// ClientConfig describes the dependencies of the peer client.
type ClientConfig struct {
	HTTPClient *http.Client
	// Authorize decorates outgoing requests with a delegate token.
	Authorize func(*http.Request) error
	Logger    *zap.Logger
}

// Client calls the sync endpoints of other content nodes.
type Client struct {
	httpClient *http.Client
	authorize  func(*http.Request) error
	logger     *zap.Logger
}

// NewClient constructs a peer client.
func NewClient(cfg ClientConfig) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{httpClient: httpClient, authorize: cfg.Authorize, logger: logger}
}

// GetClock asks a peer for its clock of the user; unknown users report 0.
func (c *Client) GetClock(ctx context.Context, endpoint string, userUUID ledger.CNodeUserUUID) (int64, error) {
	var response ClockResponse
	target := fmt.Sprintf("%s/sync/users/%s/clock", strings.TrimRight(endpoint, "/"), url.PathEscape(userUUID.String()))
	if err := c.doJSON(ctx, http.MethodGet, target, nil, &response); err != nil {
		return 0, err
	}
	return response.Clock, nil
}

// FetchDelta reads the peer's records of the user with clock > since.
func (c *Client) FetchDelta(ctx context.Context, endpoint string, userUUID ledger.CNodeUserUUID, since int64) (DeltaResponse, error) {
	var response DeltaResponse
	target := fmt.Sprintf("%s/sync/users/%s/delta?since=%s", strings.TrimRight(endpoint, "/"), url.PathEscape(userUUID.String()), strconv.FormatInt(since, 10))
	if err := c.doJSON(ctx, http.MethodGet, target, nil, &response); err != nil {
		return DeltaResponse{}, err
	}
	return response, nil
}

// Apply pushes one atomic batch to a peer and returns its acknowledged clock.
func (c *Client) Apply(ctx context.Context, endpoint string, userUUID ledger.CNodeUserUUID, wallet ledger.WalletAddress, records []ledger.ClockRecord) (int64, error) {
	return c.apply(ctx, endpoint, userUUID, ApplyRequest{Wallet: wallet.String(), Operations: FromRecords(records)})
}

// ForceResync asks a peer to wipe its copy of the user and apply records from clock 1.
func (c *Client) ForceResync(ctx context.Context, endpoint string, userUUID ledger.CNodeUserUUID, wallet ledger.WalletAddress, records []ledger.ClockRecord) (int64, error) {
	return c.apply(ctx, endpoint, userUUID, ApplyRequest{Wallet: wallet.String(), Operations: FromRecords(records), ForceResync: true})
}

func (c *Client) apply(ctx context.Context, endpoint string, userUUID ledger.CNodeUserUUID, request ApplyRequest) (int64, error) {
	var response ApplyResponse
	target := fmt.Sprintf("%s/sync/users/%s/apply", strings.TrimRight(endpoint, "/"), url.PathEscape(userUUID.String()))
	if err := c.doJSON(ctx, http.MethodPost, target, request, &response); err != nil {
		return 0, err
	}
	return response.AppliedThroughClock, nil
}

func (c *Client) doJSON(ctx context.Context, method, target string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}
	request, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if c.authorize != nil {
		if err := c.authorize(request); err != nil {
			return err
		}
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %v", ErrPeerUnavailable, err)
	}
	defer response.Body.Close()

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		statusErr := &StatusError{StatusCode: response.StatusCode}
		var errorBody ErrorResponse
		if decodeErr := json.NewDecoder(io.LimitReader(response.Body, maxErrorBodyBytes)).Decode(&errorBody); decodeErr == nil {
			statusErr.Code = errorBody.Error
		}
		c.logger.Debug("peer request failed",
			zap.String("method", method),
			zap.String("url", target),
			zap.Int("status", response.StatusCode),
			zap.String("code", statusErr.Code))
		return statusErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("peer: decode response: %w", err)
	}
	return nil
}
