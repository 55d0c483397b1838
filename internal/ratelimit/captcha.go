package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrCaptchaUnavailable is returned when the verification service cannot be
// reached or returns an unusable response.
var ErrCaptchaUnavailable = errors.New("captcha verification service unavailable")

// Verifier checks a client-supplied CAPTCHA response token with a
// third-party human-verification service.
type Verifier interface {
	// Verify returns true when the token is a valid, unconsumed solve.
	Verify(ctx context.Context, token, remoteIP string) (bool, error)
}

// HTTPVerifier implements Verifier against an hCaptcha/reCAPTCHA style
// siteverify endpoint: a form POST of (secret, response, remoteip) answered
// with a JSON body carrying a "success" boolean.
type HTTPVerifier struct {
	verifyURL string
	secret    string
	client    *http.Client
}

// NewHTTPVerifier creates a verifier for the given endpoint and secret.
func NewHTTPVerifier(verifyURL, secret string) *HTTPVerifier {
	return &HTTPVerifier{
		verifyURL: verifyURL,
		secret:    secret,
		client:    &http.Client{Timeout: 5 * time.Second},
	}
}

// Verify checks the token with the verification service.
func (v *HTTPVerifier) Verify(ctx context.Context, token, remoteIP string) (bool, error) {
	if token == "" {
		return false, nil
	}

	form := url.Values{}
	form.Set("secret", v.secret)
	form.Set("response", token)
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.verifyURL, strings.NewReader(form.Encode()))
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrCaptchaUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrCaptchaUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("%w: status %d", ErrCaptchaUnavailable, resp.StatusCode)
	}

	var body struct {
		Success bool `json:"success"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, fmt.Errorf("%w: %v", ErrCaptchaUnavailable, err)
	}
	return body.Success, nil
}
