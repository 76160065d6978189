package domain

import (
	"regexp"
	"strings"
)

// Canonical symbol shape: BASE-QUOTE with QUOTE in {USDT, USDC}.
var symbolPattern = regexp.MustCompile(`^[A-Z0-9]+-(USDT|USDC)$`)

var (
	slashReplacer = strings.NewReplacer("/", "-", "\\", "-")
	vstRuns       = regexp.MustCompile(`(-VST)+`)
)

// Normalize rewrites an inbound symbol into canonical form. The steps mirror
// the quirks the upstream emits in demo mode: VST-suffixed symbols collapse
// to their real quote currency, and bare base symbols default to -USDT.
// Normalize is idempotent.
func Normalize(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	s = slashReplacer.Replace(s)
	s = vstRuns.ReplaceAllString(s, "")
	s = strings.Replace(s, "-VST-USDT", "-USDT", 1)
	s = strings.Replace(s, "-VST-USDC", "-USDC", 1)
	if !strings.HasSuffix(s, "-USDT") && !strings.HasSuffix(s, "-USDC") {
		for _, suf := range []string{"-USDT", "-USDC", "-VST"} {
			if strings.HasSuffix(s, suf) {
				s = strings.TrimSuffix(s, suf)
				break
			}
		}
		s += "-USDT"
	}
	return s
}

// ValidSymbol reports whether s is already in canonical form.
func ValidSymbol(s string) bool {
	return symbolPattern.MatchString(s)
}

// SplitSymbol returns the base and quote halves of a canonical symbol.
// Non-canonical inputs yield best-effort halves with UNKNOWN/USDT defaults.
func SplitSymbol(s string) (base, quote string) {
	if i := strings.LastIndex(s, "-"); i > 0 {
		return s[:i], s[i+1:]
	}
	if s == "" {
		return "UNKNOWN", "USDT"
	}
	return s, "USDT"
}
