package horosafe

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
)

func TestValidateSecret(t *testing.T) {
	if err := ValidateSecret([]byte("short")); !errors.Is(err, ErrSecretTooShort) {
		t.Errorf("short secret: got %v", err)
	}
	if err := ValidateSecret([]byte(strings.Repeat("k", MinSecretLen))); err != nil {
		t.Errorf("long secret: got %v", err)
	}
}

func TestBlocked(t *testing.T) {
	for _, s := range []string{"10.1.2.3", "172.20.0.1", "192.168.0.9", "169.254.1.1", "127.0.0.1",
		"0.0.0.0", "100.64.3.4", "fd00::1", "::1", "::ffff:127.0.0.1", "fe80::1"} {
		if !Blocked(netip.MustParseAddr(s)) {
			t.Errorf("%s should be blocked", s)
		}
	}
	for _, s := range []string{"8.8.8.8", "2606:4700::1111", "101.1.1.1"} {
		if Blocked(netip.MustParseAddr(s)) {
			t.Errorf("%s should be allowed", s)
		}
	}
}

func TestValidateURL(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		url  string
		want error
	}{
		{"https://93.184.216.34/hook", nil},
		{"http://127.0.0.1:8080/hook", ErrSSRF},
		{"http://192.168.1.10/hook", ErrSSRF},
		{"http://[::1]/hook", ErrSSRF},
		{"ftp://example.com/x", ErrUnsafeScheme},
	}
	for _, c := range cases {
		err := ValidateURL(ctx, c.url)
		if c.want == nil && err != nil {
			t.Errorf("%s: unexpected %v", c.url, err)
		}
		if c.want != nil && !errors.Is(err, c.want) {
			t.Errorf("%s: got %v, want %v", c.url, err, c.want)
		}
	}
	if err := ValidateURL(ctx, "http:///nohost"); err == nil {
		t.Error("missing host should fail")
	}
}

func TestGuardDialer_RefusesLoopback(t *testing.T) {
	// WHAT: a client built on the guarded dialer cannot reach a loopback server.
	// WHY: a webhook host may resolve to a public address at startup and a private one later.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	defer srv.Close()

	client := &http.Client{Transport: &http.Transport{DialContext: GuardDialer(&net.Dialer{}).DialContext}}
	_, err := client.Get(srv.URL)
	if !errors.Is(err, ErrSSRF) {
		t.Fatalf("got %v, want ErrSSRF", err)
	}
}

func TestValidateIdentifier(t *testing.T) {
	for _, ok := range []string{"mail", "ops-telegram", "hook_1.v2"} {
		if err := ValidateIdentifier(ok); err != nil {
			t.Errorf("%q: %v", ok, err)
		}
	}
	for _, bad := range []string{"", "a b", "../x", ".hidden", strings.Repeat("a", 65)} {
		if err := ValidateIdentifier(bad); err == nil {
			t.Errorf("%q should be rejected", bad)
		}
	}
}

func TestLimitedReadAll(t *testing.T) {
	data, err := LimitedReadAll(strings.NewReader("hello"), 5)
	if err != nil || string(data) != "hello" {
		t.Fatalf("at limit: %q, %v", data, err)
	}
	if _, err := LimitedReadAll(strings.NewReader("hello!"), 5); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("over limit: got %v, want ErrTooLarge", err)
	}
}
