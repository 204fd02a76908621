// Copyright 2026 Marcelo Cantos
// SPDX-License-Identifier: Apache-2.0

package rules

import (
	"strings"
	"unicode"
)

// Hardcoded returns the rules that are always enforced regardless of
// configuration.
func Hardcoded() []CheckFunc {
	return []CheckFunc{
		checkNames,
	}
}

// checkNames rejects api and verb names that could not have been typed as
// a single word, or that would make the target ambiguous.
func checkNames(c Call) error {
	if c.Verb == "" {
		return deny(StatusInvalidRequest, "missing verb")
	}
	for _, name := range []string{c.API, c.Verb} {
		if strings.Contains(name, "/") {
			return deny(StatusInvalidRequest, "%q: names may not contain '/'", name)
		}
		if i := strings.IndexFunc(name, func(r rune) bool {
			return unicode.IsSpace(r) || unicode.IsControl(r)
		}); i >= 0 {
			return deny(StatusInvalidRequest, "%q: names may not contain spaces or control characters", name)
		}
	}
	return nil
}
