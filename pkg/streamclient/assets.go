package streamclient

import (
	"net/url"
	"path"
	"regexp"
	"strings"
)

// fingerprint matches a content hash inserted before the extension, as in
// app.3f9a2c1d.js.
var fingerprint = regexp.MustCompile(`\.[0-9a-f]{6,}(\.[A-Za-z0-9]+)$`)

// ShouldReload reports whether any asset in a static_update event is one the
// page has loaded. Paths are compared without host, query, fragment or
// fingerprint, so a rebuilt app.abc123.js matches a loaded app.def456.js.
func ShouldReload(changed, loaded []string) bool {
	if len(changed) == 0 || len(loaded) == 0 {
		return false
	}

	set := make(map[string]struct{}, len(loaded))
	for _, l := range loaded {
		if n := normalizeAsset(l); n != "" {
			set[n] = struct{}{}
		}
	}
	for _, c := range changed {
		if _, ok := set[normalizeAsset(c)]; ok {
			return true
		}
	}
	return false
}

func normalizeAsset(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	p := raw
	if u, err := url.Parse(raw); err == nil {
		p = u.Path
	} else if i := strings.IndexAny(raw, "?#"); i >= 0 {
		p = raw[:i]
	}
	if p == "" {
		return ""
	}

	p = path.Clean("/" + p)
	return fingerprint.ReplaceAllString(p, "$1")
}
