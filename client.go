package warden

import (
	"net"
	"net/http"
	"strings"

	"github.com/mssola/useragent"
)

// ClientInfoAttribute holds the ClientInfo of the request that created a session.
const ClientInfoAttribute = "CLIENT_INFO"

// ClientInfo describes the device and network location a session was used from.
type ClientInfo struct {
	IP         string  `json:"ip"`
	UserAgent  string  `json:"user_agent"`
	Browser    string  `json:"browser"`
	OS         string  `json:"os"`
	DeviceType string  `json:"device_type"` // mobile, desktop, tablet, bot
	City       string  `json:"city,omitempty"`
	Country    string  `json:"country,omitempty"`
	Latitude   float64 `json:"latitude,omitempty"`
	Longitude  float64 `json:"longitude,omitempty"`
}

// DescribeClient extracts client information from an HTTP request.
// If geo is non-nil and the address is public, the location fields are
// filled from the GeoIP database.
func DescribeClient(r *http.Request, geo *GeoIPReader) ClientInfo {
	ua := r.UserAgent()

	parsed := useragent.New(ua)
	browser, browserVersion := parsed.Browser()
	if browserVersion != "" {
		browser = browser + " " + browserVersion
	}

	osInfo := parsed.OSInfo()
	os := osInfo.Name
	if osInfo.Version != "" {
		os = os + " " + osInfo.Version
	}

	deviceType := "desktop"
	if parsed.Mobile() {
		deviceType = "mobile"
	} else if parsed.Bot() {
		deviceType = "bot"
	} else if isTablet(ua) {
		deviceType = "tablet"
	}

	info := ClientInfo{
		IP:         clientIP(r),
		UserAgent:  ua,
		Browser:    browser,
		OS:         os,
		DeviceType: deviceType,
	}

	if geo != nil && !IsPrivateIP(info.IP) {
		_ = geo.Locate(&info)
	}
	return info
}

// ClientOf returns the ClientInfo stored on a session.
func ClientOf(s *Session) (ClientInfo, bool) {
	v, ok := s.Attribute(ClientInfoAttribute)
	if !ok {
		return ClientInfo{}, false
	}
	info, ok := v.(ClientInfo)
	return info, ok
}

// MostRecentClient returns the ClientInfo of the most recently accessed
// session that has one.
func MostRecentClient(sessions map[string]*Session) (ClientInfo, bool) {
	var latest *Session
	var info ClientInfo
	for _, s := range sessions {
		ci, ok := ClientOf(s)
		if !ok {
			continue
		}
		if latest == nil || s.LastAccessedTime().After(latest.LastAccessedTime()) {
			latest, info = s, ci
		}
	}
	return info, latest != nil
}

// clientIP checks common proxy headers first, then falls back to RemoteAddr.
func clientIP(r *http.Request) string {
	// X-Forwarded-For is a comma-separated list; the first entry is the client.
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); isValidIP(ip) {
			return ip
		}
	}

	for _, header := range []string{"X-Real-IP", "CF-Connecting-IP"} {
		if ip := strings.TrimSpace(r.Header.Get(header)); isValidIP(ip) {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// RemoteAddr might not have a port
		return r.RemoteAddr
	}
	return host
}

func isValidIP(ip string) bool {
	return net.ParseIP(ip) != nil
}

func isTablet(ua string) bool {
	ua = strings.ToLower(ua)
	for _, keyword := range []string{"ipad", "tablet", "playbook", "silk"} {
		if strings.Contains(ua, keyword) {
			return true
		}
	}
	return false
}

// IsPrivateIP reports whether ip is loopback or in a private range.
func IsPrivateIP(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	return parsed.IsLoopback() || parsed.IsPrivate()
}
