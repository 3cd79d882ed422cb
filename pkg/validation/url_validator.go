package validation

import (
	"net/url"
	"slices"
	"strings"

	apperrors "go-image-captioner/internal/errors"
)

// URLValidator checks image references that point at remote locations.
type URLValidator struct {
	allowedSchemes []string
	allowedHosts   []string
}

// NewURLValidator accepts http and https URLs on any host.
func NewURLValidator() *URLValidator {
	return &URLValidator{
		allowedSchemes: []string{"http", "https"},
	}
}

// NewURLValidatorWithOptions restricts schemes and hosts. A host entry of the
// form "*.example.com" matches any subdomain of example.com. An empty host
// list allows every host.
func NewURLValidatorWithOptions(schemes []string, hosts []string) *URLValidator {
	return &URLValidator{
		allowedSchemes: schemes,
		allowedHosts:   hosts,
	}
}

// Validate parses raw and returns it when it is an acceptable image URL.
func (v *URLValidator) Validate(raw string) (*url.URL, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, apperrors.NewValidationError("URL cannot be empty", nil)
	}

	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, apperrors.NewValidationError("Invalid URL format", err)
	}
	if !slices.Contains(v.allowedSchemes, strings.ToLower(u.Scheme)) {
		return nil, apperrors.NewValidationError("URL scheme not allowed", nil)
	}
	if u.Hostname() == "" {
		return nil, apperrors.NewValidationError("URL must have a valid host", nil)
	}
	if !v.isHostAllowed(u.Hostname()) {
		return nil, apperrors.NewValidationError("URL host not allowed", nil)
	}
	return u, nil
}

func (v *URLValidator) isHostAllowed(host string) bool {
	if len(v.allowedHosts) == 0 {
		return true
	}
	host = strings.ToLower(host)
	for _, allowed := range v.allowedHosts {
		allowed = strings.ToLower(allowed)
		if suffix, ok := strings.CutPrefix(allowed, "*"); ok {
			if strings.HasSuffix(host, suffix) && len(host) > len(suffix) {
				return true
			}
			continue
		}
		if host == allowed {
			return true
		}
	}
	return false
}
