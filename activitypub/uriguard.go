package activitypub

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// ErrUnsafeURI is the generic rejection for any URI that fails validation.
// The specific rule that tripped is logged, never returned to peers.
var ErrUnsafeURI = errors.New("unsafe uri")

const maxURILength = 2048

// Context strings for Validate.
const (
	URIContextGeneric     = "generic"
	URIContextActivityPub = "activitypub"
	URIContextMedia       = "media"
)

// Ports that have no business appearing in a federated URL. Hitting one is
// an SSRF attempt against an internal service.
var blockedPorts = map[int]struct{}{
	22: {}, 23: {}, 25: {}, 110: {}, 135: {}, 139: {}, 445: {},
	1433: {}, 1521: {}, 3306: {}, 3389: {}, 5432: {}, 5900: {},
	6379: {}, 9200: {}, 11211: {}, 27017: {},
}

var blockedHosts = map[string]struct{}{
	"localhost": {},
	"0.0.0.0":   {},
	"::1":       {},
}

// Internal-looking path prefixes never legitimate in an ActivityPub id.
var blockedAPPaths = []string{"/admin", "/api/internal"}

var dnsLabelRe = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,62})?$`)

// Raw byte patterns rejected before parsing: traversal, NUL and CRLF
// injection, including their percent-encoded spellings.
var hostilePatterns = []string{"%00", "..", "\r", "\n", "%0d", "%0a", "%2e%2e"}

// URIGuard validates externally supplied URLs before any network call.
// Resolution happens at validation time: callers must re-validate
// immediately before use, since DNS answers change between calls.
type URIGuard struct {
	RequireHTTPS bool

	// LookupIP is swappable for tests. Defaults to net.LookupIP.
	LookupIP func(host string) ([]net.IP, error)
}

func NewURIGuard(requireHTTPS bool) *URIGuard {
	return &URIGuard{
		RequireHTTPS: requireHTTPS,
		LookupIP:     net.LookupIP,
	}
}

// Validate checks the URI against scheme, host, port, private-address and
// DNS-rebinding rules and returns its normalized form. Pure validation, no
// side effects.
func (g *URIGuard) Validate(raw string, context string) (string, error) {
	if len(raw) == 0 || len(raw) > maxURILength {
		return "", fmt.Errorf("%w: length", ErrUnsafeURI)
	}

	lower := strings.ToLower(raw)
	for _, p := range hostilePatterns {
		if strings.Contains(lower, p) {
			return "", fmt.Errorf("%w: hostile pattern", ErrUnsafeURI)
		}
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: parse", ErrUnsafeURI)
	}

	switch u.Scheme {
	case "https":
	case "http":
		if context == URIContextActivityPub && g.RequireHTTPS {
			return "", fmt.Errorf("%w: scheme", ErrUnsafeURI)
		}
	default:
		return "", fmt.Errorf("%w: scheme", ErrUnsafeURI)
	}

	host := u.Hostname()
	if host == "" {
		return "", fmt.Errorf("%w: missing host", ErrUnsafeURI)
	}
	if _, blocked := blockedHosts[strings.ToLower(host)]; blocked {
		return "", fmt.Errorf("%w: blocked host", ErrUnsafeURI)
	}

	if err := g.checkPort(u); err != nil {
		return "", err
	}

	if ip := net.ParseIP(host); ip != nil {
		if isInternalIP(ip) {
			return "", fmt.Errorf("%w: private address", ErrUnsafeURI)
		}
	} else {
		if err := checkHostLabels(host); err != nil {
			return "", err
		}
		// Resolve now and reject if any answer is internal; a name that
		// round-robins between public and private addresses is a rebinding
		// attack, not a configuration quirk.
		addrs, err := g.LookupIP(host)
		if err != nil || len(addrs) == 0 {
			return "", fmt.Errorf("%w: unresolvable host", ErrUnsafeURI)
		}
		for _, ip := range addrs {
			if isInternalIP(ip) {
				return "", fmt.Errorf("%w: resolves to private address", ErrUnsafeURI)
			}
		}
	}

	if context == URIContextActivityPub {
		path := strings.ToLower(u.Path)
		for _, p := range blockedAPPaths {
			if path == p || strings.HasPrefix(path, p+"/") {
				return "", fmt.Errorf("%w: internal path", ErrUnsafeURI)
			}
		}
	}

	return u.String(), nil
}

func (g *URIGuard) checkPort(u *url.URL) error {
	port := 443
	if u.Scheme == "http" {
		port = 80
	}
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 || n > 65535 {
			return fmt.Errorf("%w: port", ErrUnsafeURI)
		}
		port = n
	}
	if _, blocked := blockedPorts[port]; blocked {
		return fmt.Errorf("%w: blocked port", ErrUnsafeURI)
	}
	return nil
}

func checkHostLabels(host string) error {
	labels := strings.Split(strings.TrimSuffix(host, "."), ".")
	if len(labels) == 0 {
		return fmt.Errorf("%w: empty host", ErrUnsafeURI)
	}
	for _, label := range labels {
		if !dnsLabelRe.MatchString(label) || strings.HasSuffix(label, "-") {
			return fmt.Errorf("%w: host syntax", ErrUnsafeURI)
		}
	}
	return nil
}

// isInternalIP covers loopback, RFC 1918/4193, link-local (RFC 3927 and
// fe80::/10) and the unspecified address.
func isInternalIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified()
}
