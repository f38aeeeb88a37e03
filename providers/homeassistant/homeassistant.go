// Package homeassistant validates Home Assistant credentials by probing the
// instance's /api/config endpoint with the user's long-lived access token.
package homeassistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/shbatm/ha-mcp-oauth/instrumentation"
	"github.com/shbatm/ha-mcp-oauth/providers"
)

// Name is the validator name.
const Name = "homeassistant"

// DefaultTimeout bounds the credential probe.
const DefaultTimeout = 10 * time.Second

// maxConfigBodySize caps how much of the /api/config response is read.
const maxConfigBodySize = 1 << 20 // 1 MB

// User-facing probe outcomes. These exact strings are rendered on the consent
// page, so they name the product, not the mechanism.
const (
	msgInvalidToken   = "Invalid access token. Please check your Long-Lived Access Token."
	msgForbidden      = "Access forbidden. The token may not have sufficient permissions."
	msgInvalidBody    = "Invalid response from Home Assistant. Please check the URL."
	msgMalformedJSON  = "Invalid response format from Home Assistant."
	msgConnectFailure = "Could not connect to Home Assistant. Please check the URL and ensure Home Assistant is accessible."
	msgTimeout        = "Connection to Home Assistant timed out. Please check the URL."
)

// Config holds Home Assistant validator configuration.
type Config struct {
	// Timeout for the probe request. Defaults to DefaultTimeout.
	Timeout time.Duration

	// HTTPClient overrides the probe client. Its Timeout is left as-is;
	// the per-probe context carries the deadline.
	HTTPClient *http.Client

	// Logger for probe operations. Defaults to slog.Default().
	Logger *slog.Logger

	// Instrumentation for probe metrics and traces. Optional.
	Instrumentation *instrumentation.Instrumentation
}

// Validator probes a Home Assistant instance to validate credentials.
type Validator struct {
	timeout         time.Duration
	httpClient      *http.Client
	logger          *slog.Logger
	instrumentation *instrumentation.Instrumentation
}

var _ providers.Validator = (*Validator)(nil)

// New creates a new Home Assistant credential validator.
func New(config Config) *Validator {
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{}
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &Validator{
		timeout:         config.Timeout,
		httpClient:      config.HTTPClient,
		logger:          config.Logger,
		instrumentation: config.Instrumentation,
	}
}

// Name returns the validator name.
func (v *Validator) Name() string {
	return Name
}

// configResponse is the subset of /api/config the probe inspects. A healthy
// instance always reports at least one of these fields.
type configResponse struct {
	Version      string `json:"version"`
	LocationName string `json:"location_name"`
}

// ValidateCredentials probes {hubURL}/api/config with the token as a Bearer
// credential and classifies the result. A trailing slash on hubURL is
// tolerated. All failures come back as *providers.ValidationError with a
// message safe for the consent page.
func (v *Validator) ValidateCredentials(ctx context.Context, hubURL, hubToken string) error {
	start := time.Now()
	outcome := "ok"
	defer func() {
		if v.instrumentation != nil {
			v.instrumentation.Metrics().RecordProbe(ctx, Name, outcome,
				float64(time.Since(start).Milliseconds()))
		}
	}()

	probeCtx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	configURL := strings.TrimRight(hubURL, "/") + "/api/config"

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, configURL, nil)
	if err != nil {
		outcome = "connect_failure"
		return &providers.ValidationError{Message: msgConnectFailure, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+hubToken)
	req.Header.Set("Accept", "application/json")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			outcome = "timeout"
			v.logger.Warn("Hub probe timed out", "hub_url", hubURL)
			return &providers.ValidationError{Message: msgTimeout, Err: err}
		}
		outcome = "connect_failure"
		v.logger.Warn("Hub probe failed to connect", "hub_url", hubURL, "error", err)
		return &providers.ValidationError{Message: msgConnectFailure, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		outcome = "unauthorized"
		return &providers.ValidationError{Message: msgInvalidToken}
	case resp.StatusCode == http.StatusForbidden:
		outcome = "forbidden"
		return &providers.ValidationError{Message: msgForbidden}
	case resp.StatusCode >= 400:
		outcome = "http_error"
		return &providers.ValidationError{
			Message: fmt.Sprintf("Failed to connect to Home Assistant: HTTP %d", resp.StatusCode),
		}
	}

	var config configResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxConfigBodySize)).Decode(&config); err != nil {
		outcome = "malformed_body"
		return &providers.ValidationError{Message: msgMalformedJSON, Err: err}
	}

	// A response that decodes but identifies nothing is some other service
	// answering on that URL, not Home Assistant.
	if config.Version == "" && config.LocationName == "" {
		outcome = "not_home_assistant"
		return &providers.ValidationError{Message: msgInvalidBody}
	}

	v.logger.Debug("Hub credentials validated",
		"hub_url", hubURL,
		"version", config.Version,
		"location_name", config.LocationName)
	return nil
}

// isTimeout reports whether a probe error was a deadline rather than a refusal.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
