// Package horosafe holds the input guards applied at a11yscan's outer
// surfaces: page URLs handed to the browser, tab identifiers taken from
// request paths, export file paths from the command line, and bounded
// reads of request bodies.
package horosafe

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"path/filepath"
	"strings"
)

// MaxRequestBody caps request payload reads (1 MiB).
const MaxRequestBody int64 = 1 << 20

// MaxTabID is the longest accepted tab identifier.
const MaxTabID = 128

var (
	// ErrPathTraversal is returned when a user-supplied path escapes its base.
	ErrPathTraversal = errors.New("horosafe: path traversal detected")

	// ErrPrivateAddress is returned when a URL targets a private or
	// loopback address and private targets are not allowed.
	ErrPrivateAddress = errors.New("horosafe: URL targets a private or loopback address")

	// ErrUnsafeScheme is returned when a URL uses a non-HTTP(S) scheme.
	ErrUnsafeScheme = errors.New("horosafe: only http and https schemes are allowed")

	// ErrTooLarge is returned by LimitedReadAll when the limit is exceeded.
	ErrTooLarge = errors.New("horosafe: payload too large")
)

// URLPolicy decides which page URLs may be opened in the browser.
type URLPolicy struct {
	// AllowPrivate permits loopback and private-network targets, which is
	// what local development servers need.
	AllowPrivate bool
}

// Validate checks that rawURL uses http/https and has a host. Unless
// AllowPrivate is set, literal and resolved private addresses are refused.
func (p URLPolicy) Validate(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("horosafe: invalid URL: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return ErrUnsafeScheme
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("horosafe: URL has no host")
	}
	if p.AllowPrivate {
		return nil
	}

	if ip := net.ParseIP(host); ip != nil {
		if isPrivateIP(ip) {
			return ErrPrivateAddress
		}
		return nil
	}
	if strings.EqualFold(host, "localhost") {
		return ErrPrivateAddress
	}

	// Unresolvable hosts pass; the browser reports the navigation failure.
	addrs, err := net.LookupHost(host)
	if err != nil {
		return nil
	}
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil && isPrivateIP(ip) {
			return ErrPrivateAddress
		}
	}
	return nil
}

// ValidateTabID rejects tab identifiers that are empty, too long, or carry
// characters outside [A-Za-z0-9_.-]. Tab ids become part of store keys, so
// the key separator is never allowed.
func ValidateTabID(s string) error {
	if s == "" {
		return fmt.Errorf("horosafe: tab id must not be empty")
	}
	if len(s) > MaxTabID {
		return fmt.Errorf("horosafe: tab id too long (max %d)", MaxTabID)
	}
	for _, r := range s {
		if !isIdentChar(r) {
			return fmt.Errorf("horosafe: invalid character %q in tab id", r)
		}
	}
	return nil
}

// SafePath validates that joining base and userInput does not escape base.
// It returns the cleaned path or ErrPathTraversal.
func SafePath(base, userInput string) (string, error) {
	if strings.Contains(userInput, "..") {
		return "", ErrPathTraversal
	}
	cleaned := filepath.Join(base, filepath.Clean("/"+userInput))
	if !strings.HasPrefix(cleaned, filepath.Clean(base)+string(filepath.Separator)) &&
		cleaned != filepath.Clean(base) {
		return "", ErrPathTraversal
	}
	return cleaned, nil
}

// LimitedReadAll reads at most maxBytes from r.
func LimitedReadAll(r io.Reader, maxBytes int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w: exceeds %d bytes", ErrTooLarge, maxBytes)
	}
	return data, nil
}

func isIdentChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9') || r == '_' || r == '-' || r == '.'
}

var privateRanges = mustCIDRs(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"100.64.0.0/10",
	"fc00::/7",
)

func mustCIDRs(nets ...string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(nets))
	for _, n := range nets {
		_, cidr, err := net.ParseCIDR(n)
		if err != nil {
			panic(err)
		}
		out = append(out, cidr)
	}
	return out
}

func isPrivateIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}
	for _, cidr := range privateRanges {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}
