package presence

import (
	"log/slog"
	"strings"

	"github.com/mssola/useragent"
)

const (
	unknownValue  = "Unknown"
	defaultDevice = "desktop"
)

// DeviceInfo holds best-effort hints extracted from a client-supplied string.
// The values are for display only and must never drive authorization.
type DeviceInfo struct {
	Device  string
	OS      string
	Browser string
}

// DeviceParser extracts DeviceInfo from free text. Implementations must not
// fail: unrecognised input yields the Unknown/desktop defaults.
type DeviceParser interface {
	Parse(userAgent string) DeviceInfo
}

// UserAgentParser parses HTTP User-Agent headers.
type UserAgentParser struct {
	// Logger receives recovered parser panics. Nil uses slog.Default.
	Logger *slog.Logger
}

// Parse implements DeviceParser.
func (p UserAgentParser) Parse(raw string) (info DeviceInfo) {
	info = DeviceInfo{Device: defaultDevice, OS: unknownValue, Browser: unknownValue}
	defer func() {
		if r := recover(); r != nil {
			logger := p.Logger
			if logger == nil {
				logger = slog.Default()
			}
			logger.Warn("user agent parse panicked", "error", r)
			info = DeviceInfo{Device: defaultDevice, OS: unknownValue, Browser: unknownValue}
		}
	}()

	raw = strings.TrimSpace(raw)
	if raw == "" || raw == unknownValue {
		return info
	}

	ua := useragent.New(raw)
	info.Device = deviceClass(ua, raw)

	osInfo := ua.OSInfo()
	if name := joinNonEmpty(osInfo.Name, osInfo.Version); name != "" {
		info.OS = name
	} else if name := strings.TrimSpace(ua.OS()); name != "" {
		info.OS = name
	}

	if name, version := ua.Browser(); strings.TrimSpace(name) != "" {
		info.Browser = joinNonEmpty(name, version)
	}
	return info
}

func deviceClass(ua *useragent.UserAgent, raw string) string {
	lower := strings.ToLower(raw)
	switch {
	case ua.Bot():
		return "bot"
	case strings.Contains(lower, "ipad") || strings.Contains(lower, "tablet"):
		return "tablet"
	case ua.Mobile():
		return "mobile"
	default:
		return defaultDevice
	}
}

func joinNonEmpty(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, " ")
}
