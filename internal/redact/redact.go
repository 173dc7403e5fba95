// Package redact scrubs credentials and other sensitive content out of
// bodies before they reach a log, a persisted report, or a synthesized
// error response.
package redact

import (
	"regexp"
	"strings"

	"github.com/anthropics/relayproxy/internal/config"
)

const (
	// RedactedValue is the replacement for redacted content.
	RedactedValue = "[REDACTED]"

	// RedactedImageValue is the replacement for redacted base64 images.
	RedactedImageValue = "[IMAGE base64 redacted]"

	// MaxRedactionInputSize is the maximum body size to attempt redaction on.
	// Bodies larger than this are returned as-is to avoid regex performance issues.
	MaxRedactionInputSize = 1024 * 1024 // 1MB
)

// Redactor scrubs bodies according to a RedactionConfig.
type Redactor struct {
	cfg           *config.RedactionConfig
	apiKeyPattern *regexp.Regexp
	base64Pattern *regexp.Regexp
	jsonCredentialPattern *regexp.Regexp
}

// New creates a new Redactor with the given configuration.
func New(cfg *config.RedactionConfig) (*Redactor, error) {
	r := &Redactor{cfg: cfg}

	// API key patterns for multiple providers. Handles both plain and
	// JSON-escaped strings (\" instead of ").
	r.apiKeyPattern = regexp.MustCompile(`(?i)(` +
		`sk-ant-[a-zA-Z0-9_-]{20,}|` +
		`sk-[a-zA-Z0-9_-]{20,}|` +
		`AKIA[0-9A-Z]{16}|` +
		`AIza[0-9A-Za-z_-]{35,}|` +
		`key-[a-zA-Z0-9_-]{20,}|` +
		`api[_-]?key[=:]\\?"?[a-zA-Z0-9_-]{20,}` +
		`)`)

	// Base64 image pattern (data URLs and raw base64 in JSON).
	r.base64Pattern = regexp.MustCompile(`(?i)(data:image/[^;]+;base64,)[A-Za-z0-9+/=]{100,}|"(source|data)":\s*\{\s*"type":\s*"base64"[^}]*"data":\s*"[A-Za-z0-9+/=]{100,}"`)

	// JSON credential field patterns: "password": "...", "secret": "...",
	// "credential": "...", including variants like "api_secret", "db_password".
	r.jsonCredentialPattern = regexp.MustCompile(`(?i)"([^"]*(?:password|secret|credential)[^"]*)":\s*"([^"\\]*(?:\\.[^"\\]*)*)"`)

	return r, nil
}

// RedactBody redacts sensitive content in a body string. Bodies larger
// than MaxRedactionInputSize are returned as-is to avoid regex
// performance issues on very large payloads.
func (r *Redactor) RedactBody(body string) string {
	if len(body) > MaxRedactionInputSize {
		return body
	}

	result := body

	if r.cfg.RedactAPIKeys {
		result = r.apiKeyPattern.ReplaceAllStringFunc(result, func(match string) string {
			matchLower := strings.ToLower(match)

			switch {
			case strings.HasPrefix(matchLower, "sk-ant-"):
				return "sk-ant-" + RedactedValue
			case strings.HasPrefix(matchLower, "sk-"):
				return "sk-" + RedactedValue
			case strings.HasPrefix(match, "AKIA"):
				return "AKIA" + RedactedValue
			case strings.HasPrefix(match, "AIza"):
				return "AIza" + RedactedValue
			case strings.HasPrefix(matchLower, "key-"):
				return "key-" + RedactedValue
			}

			parts := strings.SplitN(match, "=", 2)
			if len(parts) == 2 {
				return parts[0] + "=" + RedactedValue
			}
			parts = strings.SplitN(match, ":", 2)
			if len(parts) == 2 {
				return parts[0] + ":" + RedactedValue
			}
			return RedactedValue
		})
	}

	if r.cfg.RedactBase64Images {
		result = r.base64Pattern.ReplaceAllStringFunc(result, func(match string) string {
			if strings.HasPrefix(strings.ToLower(match), "data:image") {
				idx := strings.Index(match, ",")
				if idx > 0 {
					return match[:idx+1] + RedactedImageValue
				}
			}
			return RedactedImageValue
		})
	}

	if r.cfg.RedactAPIKeys { // same flag gates credential-field scrubbing
		result = r.jsonCredentialPattern.ReplaceAllStringFunc(result, func(match string) string {
			colonIdx := strings.Index(match, ":")
			if colonIdx > 0 {
				keyPart := match[:colonIdx+1]
				return keyPart + ` "` + RedactedValue + `"`
			}
			return match
		})
	}

	return result
}

// RedactBodyBytes redacts sensitive content in a body, returned as bytes.
func (r *Redactor) RedactBodyBytes(body []byte) []byte {
	return []byte(r.RedactBody(string(body)))
}

// ShouldStoreRawBody returns whether raw body storage is enabled. This
// is off by default: a persisted report normally carries redacted
// bodies, not the originals.
func (r *Redactor) ShouldStoreRawBody() bool {
	return r.cfg.RawBodyStorage
}
