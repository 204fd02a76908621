// Copyright 2026 Marcelo Cantos
// SPDX-License-Identifier: Apache-2.0

package rules

import (
	"fmt"
	"path"
)

// TargetRuleConfig is the YAML form of the rules for calls whose
// "api/verb" matches a glob.
type TargetRuleConfig struct {
	Deny   bool   `yaml:"deny"`
	Token  string `yaml:"token"`  // required hello token
	Reason string `yaml:"reason"` // reported to the caller
}

// CompileTargetRule turns one glob's config into CheckFuncs.
func CompileTargetRule(pattern string, cfg TargetRuleConfig) ([]CheckFunc, error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("rule %q: %w", pattern, err)
	}
	matches := func(c Call) bool {
		ok, _ := path.Match(pattern, c.Target())
		return ok
	}

	var fns []CheckFunc
	if cfg.Token != "" {
		token := cfg.Token
		fns = append(fns, func(c Call) error {
			if !matches(c) || c.Token == token {
				return nil
			}
			if c.Token == "" {
				return deny(StatusInvalidToken, "%s needs a token", c.Target())
			}
			return deny(StatusInvalidToken, "%s: token rejected", c.Target())
		})
	}
	if cfg.Deny {
		reason := cfg.Reason
		if reason == "" {
			reason = "denied by server rule " + pattern
		}
		fns = append(fns, func(c Call) error {
			if !matches(c) {
				return nil
			}
			return deny(StatusInsufficientScope, "%s: %s", c.Target(), reason)
		})
	}
	return fns, nil
}
