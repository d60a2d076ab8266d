package statemgr

import (
	"net/url"
	"strings"

	"github.com/untoldecay/workspace-state-core/internal/coreerr"
)

// deriveName implements spec §4.4's auto-name policy: the host of the
// first URL, falling back to "Workspace" when urls is empty or
// unparseable.
func deriveName(urls []string) string {
	if len(urls) == 0 {
		return "Workspace"
	}
	u, err := url.Parse(urls[0])
	if err != nil || u.Host == "" {
		return "Workspace"
	}
	return u.Host
}

// normalizeName trims leading/trailing whitespace and collapses any run of
// internal whitespace (including newlines and tabs) to a single space,
// rejecting the result if it ends up empty (spec §4.4 Name normalization).
func normalizeName(raw string) (string, error) {
	fields := strings.Fields(raw)
	name := strings.Join(fields, " ")
	if name == "" {
		return "", coreerr.New(coreerr.KindEmptyName, "normalizeName", nil)
	}
	return name, nil
}
