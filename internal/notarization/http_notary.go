package notarization

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	maxResponseBytes   = 64 << 10
	outcomeValid       = "VALID"
	headerContentType  = "Content-Type"
	headerAuthorize    = "Authorization"
	contentTypeJSON    = "application/json"
	defaultHTTPTimeout = 15 * time.Second
)

var errInvalidEndpoint = errors.New("notarization: endpoint must be an absolute http(s) url")

// HTTPNotaryConfig configures the ledger gateway client.
type HTTPNotaryConfig struct {
	Endpoint   string
	APIKey     string
	HTTPClient *http.Client
}

// HTTPNotary posts jobs to a ledger gateway and reads back the transaction hash.
type HTTPNotary struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

type notarizeRequest struct {
	AttemptID  uint64 `json:"attemptId"`
	TagUID     string `json:"tagUid"`
	Counter    uint32 `json:"counter"`
	Outcome    string `json:"outcome"`
	RecordedAt string `json:"recordedAt"`
}

type notarizeResponse struct {
	TxHash string `json:"txHash"`
}

// NewHTTPNotary validates the endpoint and constructs an HTTPNotary.
func NewHTTPNotary(cfg HTTPNotaryConfig) (*HTTPNotary, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	parsed, err := url.Parse(endpoint)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, fmt.Errorf("%w: %q", errInvalidEndpoint, cfg.Endpoint)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &HTTPNotary{
		endpoint:   endpoint,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		httpClient: httpClient,
	}, nil
}

// Notarize submits job and returns the ledger transaction hash.
func (n *HTTPNotary) Notarize(ctx context.Context, job Job) (string, error) {
	body, err := json.Marshal(notarizeRequest{
		AttemptID:  job.AttemptID,
		TagUID:     job.TagUID,
		Counter:    job.Counter,
		Outcome:    outcomeValid,
		RecordedAt: job.RecordedAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return "", err
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	request.Header.Set(headerContentType, contentTypeJSON)
	if n.apiKey != "" {
		request.Header.Set(headerAuthorize, "Bearer "+n.apiKey)
	}

	response, err := n.httpClient.Do(request)
	if err != nil {
		return "", err
	}
	defer response.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return "", err
	}
	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		return "", fmt.Errorf("notarization: gateway returned status %d", response.StatusCode)
	}
	var decoded notarizeResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return "", fmt.Errorf("notarization: decode response: %w", err)
	}
	reference := strings.TrimSpace(decoded.TxHash)
	if reference == "" {
		return "", errEmptyTxHash
	}
	return reference, nil
}
