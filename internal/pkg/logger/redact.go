package logger

import (
	"regexp"
	"strings"
)

// RedactSecret masks a secret for safe logging, keeping a short prefix so two
// values can still be told apart.
// "sk_live_abcdef" → "sk***"
// Values of 4 chars or fewer are fully masked.
func RedactSecret(s string) string {
	if len(s) <= 4 {
		return "***"
	}
	return s[:2] + "***"
}

var (
	userinfoRegex = regexp.MustCompile(`(://)[^/@\s:]+(:[^/@\s]*)?@`)
	queryRegex    = regexp.MustCompile(`(?i)([?&](?:token|secret|password|api_key|apikey|signature|x-amz-signature|x-amz-credential)=)[^&\s]*`)
)

// RedactURL strips credentials embedded in URLs inside val:
// "postgres://u:pw@db/x" → "postgres://***@db/x"
// "https://h/cb?token=abc" → "https://h/cb?token=***"
func RedactURL(val string) string {
	if !strings.Contains(val, "://") && !strings.Contains(val, "=") {
		return val
	}
	val = userinfoRegex.ReplaceAllString(val, "${1}***@")
	return queryRegex.ReplaceAllString(val, "${1}***")
}
