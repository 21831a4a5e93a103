package horosafe

import (
	"errors"
	"net"
	"strings"
	"testing"
)

func TestURLPolicy_Validate(t *testing.T) {
	tests := []struct {
		url     string
		wantErr error
	}{
		{"https://203.0.113.7/page", nil},
		{"ftp://example.com/", ErrUnsafeScheme},
		{"javascript:alert(1)", ErrUnsafeScheme},
		{"file:///etc/passwd", ErrUnsafeScheme},
		{"http://127.0.0.1:8080/", ErrPrivateAddress},
		{"http://localhost:3000/", ErrPrivateAddress},
		{"http://10.1.2.3/", ErrPrivateAddress},
		{"http://192.168.1.1/", ErrPrivateAddress},
		{"http://[::1]/", ErrPrivateAddress},
		{"http://169.254.169.254/latest/meta-data", ErrPrivateAddress},
	}
	var p URLPolicy
	for _, tt := range tests {
		err := p.Validate(tt.url)
		if !errors.Is(err, tt.wantErr) {
			t.Errorf("Validate(%q) = %v, want %v", tt.url, err, tt.wantErr)
		}
	}
}

func TestURLPolicy_AllowPrivate(t *testing.T) {
	p := URLPolicy{AllowPrivate: true}
	for _, u := range []string{"http://localhost:3000/", "http://127.0.0.1/", "http://10.0.0.5/app"} {
		if err := p.Validate(u); err != nil {
			t.Errorf("Validate(%q): %v", u, err)
		}
	}
	if err := p.Validate("data:text/html,hi"); !errors.Is(err, ErrUnsafeScheme) {
		t.Errorf("data URL accepted: %v", err)
	}
	if err := p.Validate("http:///nohost"); err == nil {
		t.Error("URL without host accepted")
	}
}

func TestValidateTabID(t *testing.T) {
	for _, ok := range []string{"tab-1", "A1B2C3", "tab_9.main"} {
		if err := ValidateTabID(ok); err != nil {
			t.Errorf("ValidateTabID(%q): %v", ok, err)
		}
	}
	for _, bad := range []string{"", "tab|x", "a/b", "tab 1", strings.Repeat("a", MaxTabID+1)} {
		if err := ValidateTabID(bad); err == nil {
			t.Errorf("ValidateTabID(%q): expected error", bad)
		}
	}
}

func TestSafePath(t *testing.T) {
	tests := []struct {
		base, input string
		wantErr     bool
	}{
		{"/out", "report.html", false},
		{"/out", "scans/report.sarif", false},
		{"/out", "../etc/passwd", true},
		{"/out", "a/../../outside", true},
	}
	for _, tt := range tests {
		_, err := SafePath(tt.base, tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("SafePath(%q, %q) error=%v, wantErr=%v", tt.base, tt.input, err, tt.wantErr)
		}
	}
}

func TestLimitedReadAll(t *testing.T) {
	data, err := LimitedReadAll(strings.NewReader("hello"), 5)
	if err != nil || string(data) != "hello" {
		t.Fatalf("got %q, %v", data, err)
	}
	if _, err := LimitedReadAll(strings.NewReader("hello!"), 5); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
}

func TestIsPrivateIP(t *testing.T) {
	cases := map[string]bool{
		"8.8.8.8":     false,
		"172.16.5.4":  true,
		"172.32.0.1":  false,
		"100.64.0.1":  true,
		"0.0.0.0":     true,
		"fd00::1":     true,
		"2001:db8::1": false,
	}
	for s, want := range cases {
		if got := isPrivateIP(net.ParseIP(s)); got != want {
			t.Errorf("isPrivateIP(%s) = %v, want %v", s, got, want)
		}
	}
}
