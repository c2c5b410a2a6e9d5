package validation

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

var (
	// PathRegex matches an absolute HTTP route path.
	PathRegex = regexp.MustCompile(`^/[a-zA-Z0-9_\-./]*$`)

	// MIMERegex matches a type/subtype media type without parameters.
	MIMERegex = regexp.MustCompile(`^[a-z0-9][a-z0-9.+\-]*/[a-z0-9][a-z0-9.+\-]*$`)
)

// ValidateWebSocketURL checks a ws:// or wss:// URL with a host.
func ValidateWebSocketURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme %q (must be ws or wss)", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateListenAddress checks a host:port listen address. The host may be
// empty; port 0 asks the kernel for a free port.
func ValidateListenAddress(addr string) error {
	if strings.TrimSpace(addr) == "" {
		return fmt.Errorf("address is required")
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 0 || n > 65535 {
		return fmt.Errorf("invalid port %q", port)
	}
	return nil
}

// ValidatePath checks an absolute route path such as /ws.
func ValidatePath(path string) error {
	if !PathRegex.MatchString(path) {
		return fmt.Errorf("path %q must start with / and contain only URL-safe characters", path)
	}
	return nil
}

func ValidateMIME(mime string) error {
	if !MIMERegex.MatchString(mime) {
		return fmt.Errorf("invalid media type %q", mime)
	}
	return nil
}

// ValidateRange checks min <= v <= max.
func ValidateRange(v, min, max int, fieldName string) error {
	if v < min || v > max {
		return fmt.Errorf("%s must be within [%d, %d], got %d", fieldName, min, max, v)
	}
	return nil
}
