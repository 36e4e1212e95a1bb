package job

import (
	"fmt"
	"net/url"
	"strings"

	"mediafetch/internal/apperrors"
)

// Validation limits
const (
	maxURLLength     = 4096
	maxFormatLength  = 256
	maxCookiesLength = 64 * 1024
)

// ApplyDefaults sets default values for unspecified request fields.
func ApplyDefaults(req *Request) {
	if req.Mode == "" {
		req.Mode = ModeVideo
	}
}

// Validate checks a submission request. Does not modify the request; no
// resources are allocated before it passes.
func Validate(req *Request) error {
	if strings.TrimSpace(req.URL) == "" {
		return apperrors.Validation("url", "url is required")
	}
	if len(req.URL) > maxURLLength {
		return apperrors.Validation("url", fmt.Sprintf("url exceeds maximum length of %d", maxURLLength))
	}
	if err := validateURL(req.URL); err != nil {
		return apperrors.Validation("url", fmt.Sprintf("invalid url: %v", err))
	}

	if !req.Mode.Valid() {
		return apperrors.Validation("mode", fmt.Sprintf("mode must be %q or %q", ModeVideo, ModeAudio))
	}

	if len(req.Format) > maxFormatLength {
		return apperrors.Validation("format", fmt.Sprintf("format exceeds maximum length of %d", maxFormatLength))
	}
	if len(req.Cookies) > maxCookiesLength {
		return apperrors.Validation("cookies", fmt.Sprintf("cookies exceed maximum size of %d bytes", maxCookiesLength))
	}

	if req.Callback != nil && req.Callback.URL != "" {
		if err := validateURL(req.Callback.URL); err != nil {
			return apperrors.Validation("callback.url", fmt.Sprintf("invalid callback URL: %v", err))
		}
	}

	return nil
}

func validateURL(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("malformed URL")
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}
