// Package config loads and validates the agent configuration.
package config

import (
	"fmt"
	"os"
	"regexp"

	"go.uber.org/multierr"
)

// envVarPattern matches ${VAR}, ${VAR:-default} and ${VAR:?message}.
// - ${VAR} expands to the env var value, or empty string if unset
// - ${VAR:-default} expands to the env var value, or "default" if unset/empty
// - ${VAR:?message} expands to the env var value, or fails with message
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::([-?])([^}]*))?\}`)

// ExpandEnv replaces ${VAR} style references in the input with their
// environment values. Unset variables without a default expand to the
// empty string; required settings are caught later by Validate. Every
// unset ${VAR:?message} reference is reported.
func ExpandEnv(input string) (string, error) {
	var errs error
	out := envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 4 {
			return match
		}

		varName, op, arg := groups[1], groups[2], groups[3]
		if value, ok := os.LookupEnv(varName); ok && value != "" {
			return value
		}

		switch op {
		case "-":
			return arg
		case "?":
			if arg == "" {
				arg = "required but not set"
			}
			errs = multierr.Append(errs, fmt.Errorf("%s: %s", varName, arg))
		}
		return ""
	})
	return out, errs
}
