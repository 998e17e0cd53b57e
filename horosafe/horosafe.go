// Package horosafe guards the outbound side of shelfwatch: webhook targets
// must not reach private networks, signing secrets must be long enough, and
// remote bodies are read under a cap.
package horosafe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"syscall"
)

// MinSecretLen is the shortest accepted webhook signing secret.
const MinSecretLen = 32

// MaxResponseBody caps reads of notification API responses (1 MiB).
const MaxResponseBody int64 = 1 << 20

var (
	ErrSecretTooShort = fmt.Errorf("horosafe: secret must be at least %d bytes", MinSecretLen)
	ErrSSRF           = errors.New("horosafe: target is a private or loopback address")
	ErrUnsafeScheme   = errors.New("horosafe: only http and https schemes are allowed")
	ErrTooLarge       = errors.New("horosafe: body exceeds limit")
)

// Carrier-grade NAT and the benchmarking range are not covered by
// netip.Addr.IsPrivate.
var extraBlocked = []netip.Prefix{
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("198.18.0.0/15"),
}

// Blocked reports whether addr must never be dialled by an outbound channel.
func Blocked(addr netip.Addr) bool {
	addr = addr.Unmap()
	if !addr.IsValid() || addr.IsUnspecified() || addr.IsLoopback() || addr.IsPrivate() ||
		addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() || addr.IsMulticast() {
		return true
	}
	for _, p := range extraBlocked {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// ValidateSecret rejects signing secrets shorter than MinSecretLen.
func ValidateSecret(secret []byte) error {
	if len(secret) < MinSecretLen {
		return ErrSecretTooShort
	}
	return nil
}

// ValidateURL checks that rawURL is http(s) with a host that does not
// resolve to a blocked address. A host that does not resolve yet passes;
// GuardDialer still checks the address at connect time.
func ValidateURL(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("horosafe: invalid URL: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return ErrUnsafeScheme
	}
	host := u.Hostname()
	if host == "" {
		return errors.New("horosafe: URL has no host")
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		if Blocked(addr) {
			return fmt.Errorf("%w: %s", ErrSSRF, addr)
		}
		return nil
	}
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil
	}
	for _, a := range addrs {
		if Blocked(a) {
			return fmt.Errorf("%w: %s resolves to %s", ErrSSRF, host, a)
		}
	}
	return nil
}

// GuardDialer installs a Control hook on d refusing connections to blocked
// addresses, so a name that re-resolves to a private address after
// ValidateURL is still refused.
func GuardDialer(d *net.Dialer) *net.Dialer {
	d.Control = func(_, address string, _ syscall.RawConn) error {
		ap, err := netip.ParseAddrPort(address)
		if err != nil {
			return fmt.Errorf("horosafe: dial %s: %w", address, err)
		}
		if Blocked(ap.Addr()) {
			return fmt.Errorf("%w: %s", ErrSSRF, ap.Addr())
		}
		return nil
	}
	return d
}

// ValidateIdentifier accepts channel names usable as log keys and path
// segments: 1 to 64 characters of [A-Za-z0-9_.-], not starting with a dot.
func ValidateIdentifier(s string) error {
	switch {
	case s == "":
		return errors.New("horosafe: empty identifier")
	case len(s) > 64:
		return fmt.Errorf("horosafe: identifier longer than 64 bytes")
	case s[0] == '.':
		return fmt.Errorf("horosafe: identifier %q starts with a dot", s)
	}
	if i := strings.IndexFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_' || r == '-' || r == '.')
	}); i >= 0 {
		return fmt.Errorf("horosafe: identifier %q: invalid character at %d", s, i)
	}
	return nil
}

// LimitedReadAll reads r to the end, failing with ErrTooLarge once more
// than limit bytes arrive.
func LimitedReadAll(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w (%d bytes)", ErrTooLarge, limit)
	}
	return data, nil
}
