package logging

import (
	"regexp"
)

const (
	// MaxBodyLogLength is the maximum length of an upstream response body kept in errors and logs
	MaxBodyLogLength = 512
	// RedactedText is the replacement text for sensitive data
	RedactedText = "[REDACTED]"
)

var (
	// Pattern to match potential passwords in connection strings
	// Matches: password=xxx, pwd=xxx, pass=xxx (until next delimiter)
	passwordPattern = regexp.MustCompile(`(?i)(password|pwd|pass)=[^;&\s]+`)

	// Pattern to match bearer tokens, JWT shaped or opaque
	bearerPattern = regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9\-_.~+/]+=*`)

	// Pattern to match client credential form fields
	clientSecretPattern = regexp.MustCompile(`(?i)(client_secret|client_assertion)=[^&\s]+`)

	// Pattern to match token fields inside JSON bodies
	jsonTokenPattern = regexp.MustCompile(`(?i)"(access_token|refresh_token|id_token|client_secret)"\s*:\s*"[^"]*"`)

	// Pattern to match connection string credentials (user:pass@host format)
	connStringPattern = regexp.MustCompile(`://[^:/\s]+:[^@/\s]+@[^/\s]+`)
)

// SanitizeConnectionString removes sensitive data from connection strings
// Use this before logging any connection string
func SanitizeConnectionString(connStr string) string {
	if connStr == "" {
		return ""
	}

	sanitized := passwordPattern.ReplaceAllString(connStr, "${1}="+RedactedText)
	sanitized = connStringPattern.ReplaceAllString(sanitized, "://"+RedactedText+"@"+RedactedText)

	return sanitized
}

// SanitizeText strips credentials from arbitrary text such as upstream
// response bodies or captured error messages, and truncates it to
// MaxBodyLogLength.
func SanitizeText(s string) string {
	if s == "" {
		return ""
	}

	sanitized := passwordPattern.ReplaceAllString(s, "${1}="+RedactedText)
	sanitized = bearerPattern.ReplaceAllString(sanitized, "Bearer "+RedactedText)
	sanitized = clientSecretPattern.ReplaceAllString(sanitized, "${1}="+RedactedText)
	sanitized = jsonTokenPattern.ReplaceAllString(sanitized, `"${1}":"`+RedactedText+`"`)
	sanitized = connStringPattern.ReplaceAllString(sanitized, "://"+RedactedText+"@"+RedactedText)

	return TruncateString(sanitized, MaxBodyLogLength)
}

// SanitizeError sanitizes error messages that might contain sensitive data
// Use this before logging or persisting any error from upstream or database operations
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	return SanitizeText(err.Error())
}

// TruncateString truncates a string to maxLen and adds ellipsis if needed
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
