package commands

import (
	"net/url"
	"strings"
)

// redact hides secrets embedded in backend URIs.
func redact(uri string) string {
	scheme, rest, ok := strings.Cut(uri, "://")
	if !ok {
		return uri
	}
	switch strings.ToLower(scheme) {
	case "postgres", "postgresql":
		if u, err := url.Parse(uri); err == nil {
			return u.Redacted()
		}
		return uri
	}
	creds, tail, ok := strings.Cut(rest, "@")
	if !ok {
		return uri
	}
	access, _, ok := strings.Cut(creds, ":")
	if !ok {
		return uri
	}
	return scheme + "://" + access + ":xxxxx@" + tail
}
