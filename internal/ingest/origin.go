package ingest

import (
	"net"
	"net/url"
	"strings"
)

// IsAllowed matches a request origin against a project's allow-list. "*"
// allows everything, a bare host must match exactly and "*.example.com"
// matches any subdomain depth of example.com. Ports are ignored on both sides.
func IsAllowed(origin string, allowedDomains []string) bool {
	for _, pattern := range allowedDomains {
		if strings.TrimSpace(pattern) == "*" {
			return true
		}
	}

	originHost := hostOf(origin)
	if originHost == "" {
		return false
	}

	for _, pattern := range allowedDomains {
		patternHost := strings.ToLower(strings.TrimSpace(pattern))
		if strings.Contains(patternHost, "://") {
			patternHost = hostOf(patternHost)
		} else if host, _, err := net.SplitHostPort(patternHost); err == nil {
			patternHost = host
		}
		if patternHost == "" {
			continue
		}

		if patternHost == originHost {
			return true
		}
		if strings.HasPrefix(patternHost, "*.") && strings.HasSuffix(originHost, patternHost[1:]) {
			return true
		}
	}
	return false
}

func hostOf(raw string) string {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return strings.ToLower(parsed.Hostname())
}
