// Package validation pre-flights client credentials against the remote
// analytics API before a session is created.
package validation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"insightbridge/internal/logging"
)

// Validator checks (apiUrl, jwtToken) pairs against the analytics API's
// validation endpoint with a short deadline.
type Validator struct {
	baseURL  string
	timeout  time.Duration
	testMode bool
	client   *http.Client

	// bypassLoopback skips the remote check when the configured API base is a
	// loopback target. Disabled in tests that exercise the network path.
	bypassLoopback bool
}

func NewValidator(baseURL string, timeout time.Duration, testMode bool) *Validator {
	return &Validator{
		baseURL:        strings.TrimRight(baseURL, "/"),
		timeout:        timeout,
		testMode:       testMode,
		client:         &http.Client{Timeout: timeout},
		bypassLoopback: true,
	}
}

// Validate checks the shape of the credentials and, unless a bypass applies,
// confirms them against the remote validation endpoint. It returns ok and,
// when not ok, a human-readable reason.
func (v *Validator) Validate(ctx context.Context, apiURL, jwtToken string) (bool, string) {
	if !validURLShape(apiURL) {
		return false, "Invalid API URL format"
	}
	if !validJWTShape(jwtToken) {
		return false, "Invalid JWT token format"
	}

	// Loopback targets and test mode skip the network round-trip so local
	// development works without the analytics backend.
	if v.testMode || (v.bypassLoopback && isLoopback(v.baseURL)) {
		logging.Debug("credential validation bypassed (test mode or loopback API base)")
		return true, ""
	}

	payload, err := json.Marshal(map[string]string{
		"apiUrl":   apiURL,
		"jwtToken": jwtToken,
	})
	if err != nil {
		return false, fmt.Sprintf("could not encode validation request: %v", err)
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.baseURL+"/settings/validate", bytes.NewReader(payload))
	if err != nil {
		return false, fmt.Sprintf("could not build validation request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
			return false, "Credential validation timed out"
		}
		return false, fmt.Sprintf("Credential validation unreachable: %v", err)
	}
	defer resp.Body.Close()

	var body map[string]interface{}
	decodeErr := json.NewDecoder(resp.Body).Decode(&body)

	if resp.StatusCode >= 400 {
		if decodeErr == nil {
			if msg, ok := body["error"].(string); ok && msg != "" {
				return false, msg
			}
		}
		return false, http.StatusText(resp.StatusCode)
	}
	if decodeErr != nil {
		return false, fmt.Sprintf("Unexpected validation response: %v", decodeErr)
	}

	switch body["status"] {
	case "success":
		return true, ""
	case "error":
		if msg, ok := body["error"].(string); ok && msg != "" {
			return false, msg
		}
		return false, "Credential validation failed"
	default:
		return false, "Unexpected validation response"
	}
}

// IsAuthFailure classifies a validation reason as an authentication problem
// (401 at the boundary) rather than a backend fault (500).
func IsAuthFailure(reason string) bool {
	lowered := strings.ToLower(reason)
	for _, keyword := range []string{"forbidden", "403", "authentication", "credentials", "token"} {
		if strings.Contains(lowered, keyword) {
			return true
		}
	}
	return false
}

func validURLShape(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// validJWTShape checks for the three dot-separated JWT segments. The token is
// never decoded here; the analytics backend is the authority.
func validJWTShape(token string) bool {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return false
	}
	for _, p := range parts {
		if p == "" {
			return false
		}
	}
	return true
}

func isLoopback(base string) bool {
	u, err := url.Parse(base)
	if err != nil {
		return false
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}
