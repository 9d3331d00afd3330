package capture

import (
	"bytes"
	"encoding/json"
	"strings"
)

const Redacted = "[REDACTED]"

var (
	DefaultSensitiveHeaders = []string{"Authorization", "Cookie", "Set-Cookie", "X-API-Key"}
	DefaultSensitiveKeys    = []string{
		"password", "passwd", "secret", "token", "access_token",
		"refresh_token", "creditCard", "credit_card", "ssn", "social_security",
	}
)

// Sanitizer redacts sensitive header values and body fields. Extra keys are
// merged with the defaults; the defaults can't be removed.
type Sanitizer struct {
	headerKeys map[string]struct{}
	bodyKeys   map[string]struct{}
}

func NewSanitizer(extraHeaders, extraBodyKeys []string) *Sanitizer {
	return &Sanitizer{
		headerKeys: lowerSet(DefaultSensitiveHeaders, extraHeaders),
		bodyKeys:   lowerSet(DefaultSensitiveKeys, extraBodyKeys),
	}
}

func (s *Sanitizer) SanitizeHeaders(headers map[string]string) map[string]string {
	if headers == nil {
		return nil
	}
	sanitized := make(map[string]string, len(headers))
	for key, value := range headers {
		if s.isSensitiveHeader(key) {
			sanitized[key] = Redacted
			continue
		}
		sanitized[key] = value
	}
	return sanitized
}

// SanitizeBody walks maps and slices decoded from JSON and returns a redacted
// copy. The input is never modified.
func (s *Sanitizer) SanitizeBody(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		sanitized := make(map[string]any, len(typed))
		for key, child := range typed {
			if s.isSensitiveKey(key) {
				sanitized[key] = Redacted
				continue
			}
			sanitized[key] = s.SanitizeBody(child)
		}
		return sanitized
	case []any:
		sanitized := make([]any, 0, len(typed))
		for _, child := range typed {
			sanitized = append(sanitized, s.SanitizeBody(child))
		}
		return sanitized
	default:
		return value
	}
}

func (s *Sanitizer) SanitizeJSON(raw json.RawMessage) (json.RawMessage, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()

	var payload any
	if err := decoder.Decode(&payload); err != nil {
		return nil, err
	}

	return json.Marshal(s.SanitizeBody(payload))
}

func (s *Sanitizer) isSensitiveHeader(key string) bool {
	_, ok := s.headerKeys[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

func (s *Sanitizer) isSensitiveKey(key string) bool {
	_, ok := s.bodyKeys[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

func lowerSet(groups ...[]string) map[string]struct{} {
	set := map[string]struct{}{}
	for _, group := range groups {
		for _, key := range group {
			trimmed := strings.ToLower(strings.TrimSpace(key))
			if trimmed == "" {
				continue
			}
			set[trimmed] = struct{}{}
		}
	}
	return set
}
