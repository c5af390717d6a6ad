package protocol

import (
	"net/url"
	"strings"
)

// ArrivedTag is the routing-slip query marker for a command that reached a
// kernel but has not finished there yet.
const ArrivedTag = "arrived"

// NormalizeKernelURI reduces a kernel uri to scheme://authority/path.
// An empty path becomes "/". Query and fragment are dropped.
// Unparseable input is returned unchanged.
func NormalizeKernelURI(raw string) string {
	u, ok := parseKernelURI(raw)
	if !ok {
		return raw
	}
	return u.Scheme + "://" + u.Host + pathOrRoot(u.Path)
}

// NormalizeKernelURIWithQuery is NormalizeKernelURI keeping the raw query.
func NormalizeKernelURIWithQuery(raw string) string {
	u, ok := parseKernelURI(raw)
	if !ok {
		return raw
	}
	s := u.Scheme + "://" + u.Host + pathOrRoot(u.Path)
	if u.RawQuery != "" {
		s += "?" + u.RawQuery
	}
	return s
}

// TaggedKernelURI appends a tag query to the normalized uri.
func TaggedKernelURI(raw, tag string) string {
	return NormalizeKernelURI(raw) + "?tag=" + tag
}

// KernelURITag returns the tag query value, or "" when absent.
func KernelURITag(raw string) string {
	u, ok := parseKernelURI(raw)
	if !ok {
		return ""
	}
	return u.Query().Get("tag")
}

// ExtractHost returns scheme://authority, or "" when raw is not a kernel uri.
func ExtractHost(raw string) string {
	u, ok := parseKernelURI(raw)
	if !ok {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

// ChildKernelURI joins a composite or host uri with a child's local name.
func ChildKernelURI(base, localName string) string {
	base = NormalizeKernelURI(base)
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return NormalizeKernelURI(base + localName)
}

func parseKernelURI(raw string) (*url.URL, bool) {
	if raw == "" {
		return nil, false
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, false
	}
	return u, true
}

func pathOrRoot(p string) string {
	if p == "" {
		return "/"
	}
	return p
}
