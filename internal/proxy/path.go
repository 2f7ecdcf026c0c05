package proxy

import "strings"

// DefaultPrefix is the route prefix served by the default profile.
const DefaultPrefix = "/api/proxy/"

// ResolvePath strips prefix from requestPath and returns the remainder verbatim.
// Traversal segments and repeated slashes are not normalized; the mirror sees
// exactly what the client sent.
func ResolvePath(prefix, requestPath string) string {
	return strings.TrimPrefix(requestPath, prefix)
}

// UpstreamURL joins a mirror base, an upstream path and the client's raw query.
func UpstreamURL(mirror, upstreamPath, rawQuery string) string {
	u := strings.TrimRight(mirror, "/") + "/" + upstreamPath
	if rawQuery != "" {
		u += "?" + rawQuery
	}
	return u
}
