// Package config resolves the service configuration from environment
// variables layered over an optional YAML defaults file.
package config

import (
	"os"
	"regexp"
	"strings"
)

// envRefPattern matches ${VAR} and ${VAR:-fallback} references in the
// defaults file, so one file can serve several deployment environments.
var envRefPattern = regexp.MustCompile(`\$\{[A-Za-z_][A-Za-z0-9_]*(?::-[^}]*)?\}`)

// ExpandEnv substitutes environment references in a defaults file body.
// An unset variable without a fallback becomes the empty string; required
// keys left empty are reported by Validate with the key named.
func ExpandEnv(input string) string {
	return envRefPattern.ReplaceAllStringFunc(input, func(ref string) string {
		name, fallback, hasFallback := strings.Cut(ref[2:len(ref)-1], ":-")
		if v := os.Getenv(name); v != "" {
			return v
		}
		if hasFallback {
			return fallback
		}
		return ""
	})
}
