package urlutil

import (
	"net/url"
	"path"
	"strings"
)

// JoinPath appends path segments to base. Duplicate slashes between base
// and segments collapse; a trailing slash on the last segment is kept.
func JoinPath(base string, segments ...string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	if len(segments) == 0 {
		return u.String(), nil
	}

	u.Path = path.Join(append([]string{"/", u.Path}, segments...)...)
	if strings.HasSuffix(segments[len(segments)-1], "/") {
		u.Path += "/"
	}
	u.RawPath = ""
	return u.String(), nil
}
