package validation

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// EndpointValidationResult contains the result of WAF base URL validation
type EndpointValidationResult struct {
	Valid    bool
	Private  bool
	Warnings []string
	Error    error
}

// ValidateEndpoint checks that baseURL can front payload requests. The URL
// is not normalized: the registry keys records by the exact string.
func ValidateEndpoint(baseURL string) *EndpointValidationResult {
	result := &EndpointValidationResult{
		Warnings: []string{},
	}

	if strings.TrimSpace(baseURL) == "" {
		result.Error = fmt.Errorf("base URL cannot be empty")
		return result
	}
	if baseURL != strings.TrimSpace(baseURL) {
		result.Error = fmt.Errorf("base URL %q has surrounding whitespace", baseURL)
		return result
	}

	parsed, err := url.Parse(baseURL)
	if err != nil {
		result.Error = fmt.Errorf("invalid URL format: %w", err)
		return result
	}

	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		result.Error = fmt.Errorf("base URL %s must use http or https", baseURL)
		return result
	}
	if parsed.Host == "" {
		result.Error = fmt.Errorf("base URL %s has no host", baseURL)
		return result
	}
	if parsed.RawQuery != "" || parsed.Fragment != "" {
		result.Error = fmt.Errorf("base URL %s must not carry a query or fragment", baseURL)
		return result
	}

	// Lab WAFs usually sit on private addresses, so this is only a warning.
	if isPrivateHost(parsed.Hostname()) {
		result.Private = true
		result.Warnings = append(result.Warnings, "Endpoint is on a loopback or private address")
	}
	if strings.HasSuffix(parsed.Path, "/") {
		result.Warnings = append(result.Warnings, "Trailing slash produces a double slash when joined with payload paths")
	}

	result.Valid = true
	return result
}

// isPrivateHost checks if a hostname/IP is private
func isPrivateHost(host string) bool {
	lower := strings.ToLower(host)
	if lower == "localhost" || strings.HasSuffix(lower, ".localhost") {
		return true
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified()
}
