package urlutil

import (
	"net/url"
	"strings"
)

// Canonicalize applies a deterministic normalization to a URL, producing the
// form used as a cache identity.
//
// The normalization follows these rules:
//   - Scheme and host are lowercased
//   - Default ports are omitted (e.g., :80 for http, :443 for https)
//   - Fragments are removed
//   - An empty path becomes "/"
//   - Path and query are preserved verbatim, so "/" and "/index.html"
//     are different identities
//
// Properties:
//   - Pure: no state, no memory
//   - Deterministic: same input always produces same output
//   - Idempotent: Canonicalize(Canonicalize(url)) == Canonicalize(url)
func Canonicalize(sourceUrl url.URL) url.URL {
	canonical := sourceUrl

	canonical.Scheme = lowerASCII(canonical.Scheme)
	canonical.Host = lowerASCII(canonical.Host)

	if host, port := canonical.Hostname(), canonical.Port(); port != "" {
		if isDefaultPort(canonical.Scheme, port) {
			canonical.Host = host
		}
	}

	if canonical.Path == "" && canonical.Opaque == "" {
		canonical.Path = "/"
		canonical.RawPath = ""
	}

	canonical.Fragment = ""
	canonical.RawFragment = ""
	canonical.ForceQuery = false
	canonical.User = nil

	return canonical
}

// Origin returns the scheme://host[:port] part of u in canonical form.
func Origin(u url.URL) string {
	c := Canonicalize(u)
	return c.Scheme + "://" + c.Host
}

// SameOrigin reports whether a and b share scheme, host and port.
func SameOrigin(a url.URL, b url.URL) bool {
	return Origin(a) == Origin(b)
}

// Resolve joins a path reference such as "/auto.png" or "/?q=1" onto the
// origin. Absolute references are returned as-is.
func Resolve(origin url.URL, ref string) (url.URL, error) {
	parsed, err := url.Parse(ref)
	if err != nil {
		return url.URL{}, err
	}
	if parsed.IsAbs() {
		return *parsed, nil
	}
	base := origin
	base.Path = "/"
	base.RawPath = ""
	base.RawQuery = ""
	base.Fragment = ""
	return *base.ResolveReference(parsed), nil
}

func isDefaultPort(scheme, port string) bool {
	return (scheme == "http" && port == "80") || (scheme == "https" && port == "443")
}

// lowerASCII converts ASCII characters to lowercase without allocating
// when the input is already lowercase.
func lowerASCII(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] >= 'A' && s[i] <= 'Z' {
			return strings.ToLower(s)
		}
	}
	return s
}
