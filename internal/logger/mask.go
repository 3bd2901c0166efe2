package logger

import (
	"net/http"
	"strings"
)

// MaskSecret keeps only the last 4 characters of a secret.
func MaskSecret(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	if len(value) <= 4 {
		return strings.Repeat("*", len(value))
	}
	return strings.Repeat("*", len(value)-4) + value[len(value)-4:]
}

// MaskBotToken hides the secret half of a Telegram bot token ("<id>:<secret>").
func MaskBotToken(token string) string {
	id, secret, ok := strings.Cut(strings.TrimSpace(token), ":")
	if !ok {
		return MaskSecret(token)
	}
	return id + ":" + MaskSecret(secret)
}

// MaskHeaders flattens headers for logging with credentials masked.
func MaskHeaders(headers http.Header) map[string]string {
	masked := make(map[string]string, len(headers))
	for key, values := range headers {
		joined := strings.Join(values, ",")
		switch strings.ToLower(key) {
		case "authorization", "cookie", "idempotence-key":
			masked[key] = MaskSecret(joined)
		default:
			masked[key] = joined
		}
	}
	return masked
}
