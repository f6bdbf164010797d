package server

import (
	"net/http"
	"net/url"
	"strings"
)

// normalizeOrigins canonicalises the configured allow-list. It reports
// whether "*" was present and returns the entries it could not parse.
func normalizeOrigins(origins []string) (normalized []string, allowAll bool, invalid []string) {
	if len(origins) == 0 {
		return nil, false, nil
	}

	normalized = make([]string, 0, len(origins))

	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}

		if trimmed == "*" {
			allowAll = true
			continue
		}

		normalizedOrigin, ok := normalizeOrigin(trimmed)
		if !ok {
			invalid = append(invalid, origin)
			continue
		}

		normalized = append(normalized, normalizedOrigin)
	}

	return normalized, allowAll, invalid
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil {
		return "", false
	}

	if parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}

	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}

func (c *Config) isOriginAllowed(r *http.Request) bool {
	originHeader := r.Header.Get("Origin")
	if originHeader == "" {
		return false
	}

	normalizedOrigin, ok := normalizeOrigin(originHeader)
	if !ok {
		return false
	}

	if c.allowAllOrigins {
		return true
	}

	_, exists := c.allowedOrigins[normalizedOrigin]
	return exists
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if s.cfg.isOriginAllowed(r) {
		return true
	}

	s.log.Warn("blocked websocket connection from disallowed origin", "origin", r.Header.Get("Origin"))
	return false
}
