package data

import (
	"errors"
	"strings"
)

// ParseATURI splits an at://<repo>/<collection>/<rkey> locator into its
// three components. Query and fragment suffixes on the rkey are stripped.
func ParseATURI(uri string) (repo, collection, rkey string, err error) {
	rest, ok := strings.CutPrefix(uri, "at://")
	if !ok {
		return "", "", "", errors.New("at uri: could not find repo")
	}
	repo, rest, ok = strings.Cut(rest, "/")
	if !ok {
		return "", "", "", errors.New("at uri: could not find collection")
	}
	collection, rkey, ok = strings.Cut(rest, "/")
	if !ok {
		return "", "", "", errors.New("at uri: could not find rkey")
	}

	if before, _, found := strings.Cut(rkey, "?"); found {
		rkey = before
	}
	if before, _, found := strings.Cut(rkey, "#"); found {
		rkey = before
	}
	if repo == "" || collection == "" || rkey == "" {
		return "", "", "", errors.New("at uri: empty component")
	}

	return repo, collection, rkey, nil
}
