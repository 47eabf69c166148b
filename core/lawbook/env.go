package lawbook

import (
	"errors"
	"strings"
)

var (
	ErrEnvRequired = errors.New("environment is required")
	ErrInvalidEnv  = errors.New("unrecognized environment")
)

// Environment aliases observed across signal sources. Comparisons always
// canonicalize first and fail closed on anything unrecognized.
var envAliases = map[string]string{
	"prod":        "production",
	"production":  "production",
	"stage":       "staging",
	"staging":     "staging",
	"dev":         "development",
	"development": "development",
	"qa":          "qa",
	"test":        "qa",
}

func CanonicalEnv(env string) (string, error) {
	trimmed := strings.ToLower(strings.TrimSpace(env))
	if trimmed == "" {
		return "", ErrEnvRequired
	}
	canon, ok := envAliases[trimmed]
	if !ok {
		return "", ErrInvalidEnv
	}
	return canon, nil
}

// SameEnv reports whether two environment names refer to the same
// canonical environment. Unrecognized names never match anything.
func SameEnv(a, b string) bool {
	ca, err := CanonicalEnv(a)
	if err != nil {
		return false
	}
	cb, err := CanonicalEnv(b)
	if err != nil {
		return false
	}
	return ca == cb
}
