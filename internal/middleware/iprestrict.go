package middleware

import (
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"

	"github.com/gluk-w/sshkeyauth/internal/logutil"
)

// ParseAllowedIPs parses a comma-separated list of IPs and CIDR ranges.
// Single IPs become /32 (IPv4) or /128 (IPv6) networks. Empty input returns
// nil (allow-all).
func ParseAllowedIPs(allowList string) ([]*net.IPNet, error) {
	allowList = strings.TrimSpace(allowList)
	if allowList == "" {
		return nil, nil
	}

	var networks []*net.IPNet
	for _, part := range strings.Split(allowList, ",") {
		entry := strings.TrimSpace(part)
		if entry == "" {
			continue
		}

		if strings.Contains(entry, "/") {
			_, network, err := net.ParseCIDR(entry)
			if err != nil {
				return nil, fmt.Errorf("invalid CIDR %q: %w", entry, err)
			}
			networks = append(networks, network)
			continue
		}

		ip := net.ParseIP(entry)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP address %q", entry)
		}
		var mask net.IPMask
		if ip.To4() != nil {
			mask = net.CIDRMask(32, 32)
		} else {
			mask = net.CIDRMask(128, 128)
		}
		networks = append(networks, &net.IPNet{IP: ip.Mask(mask), Mask: mask})
	}
	return networks, nil
}

// CheckIPAllowed returns nil when sourceIP falls in one of networks. An empty
// list allows everything.
func CheckIPAllowed(sourceIP string, networks []*net.IPNet) error {
	if len(networks) == 0 {
		return nil
	}

	ip := net.ParseIP(strings.TrimSpace(sourceIP))
	if ip == nil {
		return fmt.Errorf("could not parse source IP %q", logutil.SanitizeForLog(sourceIP))
	}
	for _, network := range networks {
		if network.Contains(ip) {
			return nil
		}
	}
	return fmt.Errorf("source IP %s is not in the allowed list", logutil.SanitizeForLog(sourceIP))
}

// ClientIP returns the host part of r.RemoteAddr.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// AllowIPs rejects requests whose client IP is outside networks.
func AllowIPs(networks []*net.IPNet) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := CheckIPAllowed(ClientIP(r), networks); err != nil {
				log.Printf("[ip-restrict] %s %s: %v", r.Method, logutil.SanitizeForLog(r.URL.Path), err)
				writeJSON(w, http.StatusForbidden, map[string]string{"detail": "Access denied"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
