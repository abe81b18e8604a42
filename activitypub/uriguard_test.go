package activitypub

import (
	"net"
	"strings"
	"testing"
)

// testGuard resolves every hostname to a public address unless the name
// contains "internal", which resolves to 10.0.0.5.
func testGuard(requireHTTPS bool) *URIGuard {
	g := NewURIGuard(requireHTTPS)
	g.LookupIP = func(host string) ([]net.IP, error) {
		if strings.Contains(host, "internal") {
			return []net.IP{net.ParseIP("10.0.0.5")}, nil
		}
		if strings.Contains(host, "rebind") {
			return []net.IP{net.ParseIP("93.184.216.34"), net.ParseIP("127.0.0.1")}, nil
		}
		return []net.IP{net.ParseIP("93.184.216.34")}, nil
	}
	return g
}

func TestValidateAcceptsNormalURI(t *testing.T) {
	g := testGuard(true)
	got, err := g.Validate("https://remote.example/u/alice", URIContextActivityPub)
	if err != nil {
		t.Fatal(err)
	}
	if got != "https://remote.example/u/alice" {
		t.Fatalf("normalized = %q", got)
	}
}

func TestValidateRejectsPrivateAddresses(t *testing.T) {
	g := testGuard(true)
	cases := []string{
		"https://127.0.0.1/inbox",
		"https://10.0.0.1/inbox",
		"https://172.16.3.4/inbox",
		"https://192.168.1.1/inbox",
		"https://169.254.169.254/latest/meta-data",
		"https://[::1]/inbox",
		"https://0.0.0.0/inbox",
		"https://localhost/inbox",
	}
	for _, uri := range cases {
		if _, err := g.Validate(uri, URIContextActivityPub); err == nil {
			t.Errorf("%s should be rejected", uri)
		}
	}
}

func TestValidateRejectsRebindingHosts(t *testing.T) {
	g := testGuard(true)
	// One public and one private answer: the private one condemns the name.
	if _, err := g.Validate("https://rebind.example/inbox", URIContextActivityPub); err == nil {
		t.Fatal("host resolving to a private address should be rejected")
	}
	if _, err := g.Validate("https://internal.example/inbox", URIContextActivityPub); err == nil {
		t.Fatal("internal-resolving host should be rejected")
	}
}

func TestValidateRejectsBlockedPorts(t *testing.T) {
	g := testGuard(true)
	for _, uri := range []string{
		"https://remote.example:22/inbox",
		"https://remote.example:6379/inbox",
		"https://remote.example:5432/inbox",
		"https://remote.example:11211/inbox",
	} {
		if _, err := g.Validate(uri, URIContextActivityPub); err == nil {
			t.Errorf("%s should be rejected", uri)
		}
	}
	// Unusual but unblocked ports pass.
	if _, err := g.Validate("https://remote.example:8443/inbox", URIContextActivityPub); err != nil {
		t.Fatalf("port 8443 should pass: %v", err)
	}
}

func TestValidateRejectsNonHTTPSchemes(t *testing.T) {
	g := testGuard(true)
	for _, uri := range []string{
		"ftp://remote.example/file",
		"file:///etc/passwd",
		"gopher://remote.example/1",
		"javascript:alert(1)",
	} {
		if _, err := g.Validate(uri, URIContextGeneric); err == nil {
			t.Errorf("%s should be rejected", uri)
		}
	}
}

func TestValidateSchemeDowngrade(t *testing.T) {
	g := testGuard(true)
	if _, err := g.Validate("http://remote.example/u/alice", URIContextActivityPub); err == nil {
		t.Fatal("http should be rejected when https is required")
	}

	relaxed := testGuard(false)
	if _, err := relaxed.Validate("http://remote.example/u/alice", URIContextActivityPub); err != nil {
		t.Fatalf("http should pass when https is not required: %v", err)
	}
}

func TestValidateRejectsHostilePatterns(t *testing.T) {
	g := testGuard(true)
	for _, uri := range []string{
		"https://remote.example/u/../admin",
		"https://remote.example/u/%2e%2e/secret",
		"https://remote.example/u/a%00b",
		"https://remote.example/u/a%0d%0aSet-Cookie:x",
	} {
		if _, err := g.Validate(uri, URIContextActivityPub); err == nil {
			t.Errorf("%s should be rejected", uri)
		}
	}
}

func TestValidateRejectsInternalPaths(t *testing.T) {
	g := testGuard(true)
	for _, uri := range []string{
		"https://remote.example/admin",
		"https://remote.example/admin/users",
		"https://remote.example/api/internal/keys",
	} {
		if _, err := g.Validate(uri, URIContextActivityPub); err == nil {
			t.Errorf("%s should be rejected in activitypub context", uri)
		}
	}
	// Same paths are fine in generic context.
	if _, err := g.Validate("https://remote.example/admin", URIContextGeneric); err != nil {
		t.Fatalf("generic context should allow /admin: %v", err)
	}
}

func TestValidateRejectsOverlongURI(t *testing.T) {
	g := testGuard(true)
	uri := "https://remote.example/" + strings.Repeat("a", maxURILength)
	if _, err := g.Validate(uri, URIContextGeneric); err == nil {
		t.Fatal("overlong uri should be rejected")
	}
}

func TestValidateRejectsBadHostSyntax(t *testing.T) {
	g := testGuard(true)
	for _, uri := range []string{
		"https://bad_host.example/inbox",
		"https://-bad.example/inbox",
		"https://bad-.example/inbox",
	} {
		if _, err := g.Validate(uri, URIContextGeneric); err == nil {
			t.Errorf("%s should be rejected", uri)
		}
	}
}
