package parse

import (
	"net/url"
	"testing"
)

func TestNormalizeURL_NilInput(t *testing.T) {
	if result := NormalizeURL(nil); result != "" {
		t.Errorf("NormalizeURL(nil) = %q, want empty string", result)
	}
}

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"UppercaseScheme", "HTTP://example.com/path", "http://example.com/path"},
		{"UppercaseHost", "http://EXAMPLE.COM/path", "http://example.com/path"},
		{"PathCasePreserved", "HTTPS://Example.COM/Path", "https://example.com/Path"},
		{"DefaultHTTPPort", "http://example.com:80/a", "http://example.com/a"},
		{"DefaultHTTPSPort", "https://example.com:443/a", "https://example.com/a"},
		{"NonDefaultPort", "https://example.com:8443/a", "https://example.com:8443/a"},
		{"EmptyPath", "https://example.com", "https://example.com/"},
		{"TrailingSlash", "https://example.com/docs/", "https://example.com/docs"},
		{"RepeatedTrailingSlash", "https://example.com/docs//", "https://example.com/docs"},
		{"RootKept", "https://example.com/", "https://example.com/"},
		{"Fragment", "https://example.com/a#section", "https://example.com/a"},
		{"Query", "https://example.com/a?x=1&y=2", "https://example.com/a"},
		{"QueryAndFragment", "https://example.com/a/?x=1#top", "https://example.com/a"},
		{"UserInfoDropped", "https://user:pw@example.com/a", "https://example.com/a"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parsed, err := url.Parse(tt.input)
			if err != nil {
				t.Fatalf("url.Parse(%q): %v", tt.input, err)
			}
			if result := NormalizeURL(parsed); result != tt.expected {
				t.Errorf("NormalizeURL(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestNormalizeURL_DoesNotModifyInput(t *testing.T) {
	parsed, _ := url.Parse("HTTPS://Example.com:443/Path/?q=1#frag")
	before := parsed.String()
	_ = NormalizeURL(parsed)
	if parsed.String() != before {
		t.Errorf("input modified: %q -> %q", before, parsed.String())
	}
}

func TestHostKey(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"https://EX.com/a", "ex.com"},
		{"https://ex.com:443/a", "ex.com"},
		{"http://ex.com:80/a", "ex.com"},
		{"http://ex.com:8080/a", "ex.com:8080"},
		{"https://www.ex.com/", "www.ex.com"},
	}
	for _, tt := range tests {
		u, _ := url.Parse(tt.input)
		if got := HostKey(u); got != tt.expected {
			t.Errorf("HostKey(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
	if HostKey(nil) != "" {
		t.Error("HostKey(nil) should be empty")
	}
}

func TestIsHTTP(t *testing.T) {
	for input, want := range map[string]bool{
		"http://a.com":        true,
		"HTTPS://a.com":       true,
		"mailto:x@a.com":      false,
		"javascript:void(0)":  false,
		"ftp://a.com/file.gz": false,
	} {
		u, _ := url.Parse(input)
		if got := IsHTTP(u); got != want {
			t.Errorf("IsHTTP(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestStripFragment(t *testing.T) {
	u, _ := url.Parse("https://ex.com/img.png?size=large#x")
	if got := StripFragment(u); got != "https://ex.com/img.png?size=large" {
		t.Errorf("StripFragment() = %q", got)
	}
}
