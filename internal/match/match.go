// Package match implements the slave-to-platform matcher: stateless
// regex-rule evaluation deciding which platforms a slave, identified by its
// declared properties, is eligible to build.
package match

import (
	"log"
	"regexp"

	"github.com/forgecoord/bco/internal/model"
)

// Platforms returns the subset of platforms every one of whose rules matches
// properties. A platform with no rules matches any slave. Matching never
// mutates or caches anything — the queue calls this afresh on every
// registration and every get_build_for_slave; slave→platform bindings are
// never cached.
func Platforms(platforms []model.TargetPlatform, properties map[string]string) []model.TargetPlatform {
	var out []model.TargetPlatform
	for _, p := range platforms {
		if Matches(p, properties) {
			out = append(out, p)
		}
	}
	return out
}

// Matches reports whether every non-empty rule of p matches properties,
// case-insensitively. A missing property, an empty property value, or a
// regex that fails to compile counts as non-match for that rule (and is
// logged, in the regex-compile-failure case). The first non-matching rule
// makes the platform a non-match; its remaining rules are not evaluated.
func Matches(p model.TargetPlatform, properties map[string]string) bool {
	for _, rule := range p.Rules {
		if rule.Property == "" {
			continue
		}
		value, ok := properties[rule.Property]
		if !ok || value == "" {
			return false
		}
		re, err := regexp.Compile("(?i)" + rule.Pattern)
		if err != nil {
			log.Printf("match: platform %q rule %q: invalid pattern %q: %v",
				p.Name, rule.Property, rule.Pattern, err)
			return false
		}
		if !re.MatchString(value) {
			return false
		}
	}
	return true
}
