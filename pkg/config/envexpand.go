package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

// envVarRe matches ${VAR} and ${VAR:-default} references.
var envVarRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// expandEnv replaces ${VAR} references in the raw config text with
// environment values. ${VAR:-default} substitutes the default when the
// variable is unset or empty. A reference without a default to an unset
// variable is an error — silently empty credentials are worse than a loud
// startup failure.
func expandEnv(raw string) (string, error) {
	var missing []string
	expanded := envVarRe.ReplaceAllStringFunc(raw, func(match string) string {
		groups := envVarRe.FindStringSubmatch(match)
		name, hasDefault, def := groups[1], groups[2] != "", groups[3]

		if value := os.Getenv(name); value != "" {
			return value
		}
		if hasDefault {
			return def
		}
		missing = append(missing, name)
		return match
	})

	if len(missing) > 0 {
		return "", fmt.Errorf("unset environment variables referenced in config: %s",
			strings.Join(missing, ", "))
	}
	return expanded, nil
}
