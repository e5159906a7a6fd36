package runner

import (
	"os"
	"strings"
)

// sensitiveEnvPrefixes are env var name prefixes stripped from step
// environments. Only the entry point receives credentials, and only under
// the configured names.
var sensitiveEnvPrefixes = []string{
	"CRONFORGE_",
	"AWS_SECRET",
	"AWS_SESSION",
	"GITHUB_TOKEN",
	"GH_TOKEN",
	"GIT_PASSWORD",
}

// sensitiveEnvExact are env var names stripped by exact match.
var sensitiveEnvExact = []string{
	"API_KEY",
	"API_SECRET",
	"SECRET_KEY",
}

// SanitizedEnv returns os.Environ() with sensitive variables removed, plus
// any names listed in drop (matched case-insensitively).
func SanitizedEnv(drop ...string) []string {
	return sanitizeEnv(os.Environ(), drop...)
}

// sanitizeEnv filters sensitive environment variables from the list.
func sanitizeEnv(environ []string, drop ...string) []string {
	clean := make([]string, 0, len(environ))
	for _, entry := range environ {
		name, _, ok := strings.Cut(entry, "=")
		if !ok {
			clean = append(clean, entry)
			continue
		}
		if !isSensitive(strings.ToUpper(name), drop) {
			clean = append(clean, entry)
		}
	}
	return clean
}

func isSensitive(upper string, drop []string) bool {
	for _, prefix := range sensitiveEnvPrefixes {
		if strings.HasPrefix(upper, prefix) {
			return true
		}
	}
	for _, exact := range sensitiveEnvExact {
		if upper == exact {
			return true
		}
	}
	for _, name := range drop {
		if name != "" && upper == strings.ToUpper(name) {
			return true
		}
	}
	return false
}
