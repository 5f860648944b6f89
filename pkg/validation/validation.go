package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var (
	// IDRegex validates exam, participant and viewer identifiers
	IDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	// PathSegmentRegex validates one segment of a signaling path
	PathSegmentRegex = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)
)

// ValidateID validates an exam, participant or viewer identifier
func ValidateID(id, fieldName string) error {
	if id == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	if len(id) > 100 {
		return fmt.Errorf("%s is too long (max 100 characters)", fieldName)
	}
	if !IDRegex.MatchString(id) {
		return fmt.Errorf("invalid %s format", fieldName)
	}
	return nil
}

// ValidatePathSegment validates one segment of a signaling path
func ValidatePathSegment(segment string) error {
	if segment == "" {
		return fmt.Errorf("path segment is empty")
	}
	if segment == "." || segment == ".." {
		return fmt.Errorf("path segment %q is not allowed", segment)
	}
	if len(segment) > 128 {
		return fmt.Errorf("path segment is too long (max 128 characters)")
	}
	if !PathSegmentRegex.MatchString(segment) {
		return fmt.Errorf("invalid path segment %q", segment)
	}
	return nil
}

// ValidateSDP validates SDP format
func ValidateSDP(sdp string) error {
	if sdp == "" {
		return fmt.Errorf("SDP cannot be empty")
	}

	// SDP should start with "v=" (version)
	if len(sdp) < 2 || sdp[:2] != "v=" {
		return fmt.Errorf("invalid SDP format: must start with 'v='")
	}

	requiredFields := []string{"v=", "o=", "s=", "t="}
	for _, field := range requiredFields {
		if !strings.Contains(sdp, field) {
			return fmt.Errorf("invalid SDP format: missing required field '%s'", field)
		}
	}

	return nil
}

// ValidateURL validates URL format
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be http, https, ws, or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateNonEmptyString validates that string is not empty after trimming
func ValidateNonEmptyString(s, fieldName string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	return nil
}
