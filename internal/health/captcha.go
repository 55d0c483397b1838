package health

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// CaptchaChecker implements health checking for the CAPTCHA verification
// service. The rate limit stage fails open when the service is down, so the
// readiness probe reporting it degraded is what makes the outage visible.
type CaptchaChecker struct {
	url    string
	client *http.Client
}

// NewCaptchaChecker creates a new CAPTCHA service health checker.
// The url should be the base URL of the verification service.
func NewCaptchaChecker(url string) *CaptchaChecker {
	return &CaptchaChecker{
		url: url,
		client: &http.Client{
			Timeout: 3 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        16,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     30 * time.Second,
			},
		},
	}
}

// HealthCheck checks that the verification service is reachable.
func (c *CaptchaChecker) HealthCheck(ctx context.Context) error {
	if c.url == "" {
		return fmt.Errorf("captcha service url not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach captcha service: %w", err)
	}
	defer resp.Body.Close()

	// Consider the service healthy only for successful (2xx) responses.
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("captcha service unhealthy: unexpected status code %d", resp.StatusCode)
	}

	return nil
}
