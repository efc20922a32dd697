package app

import (
	"os"
	"strconv"
	"strings"
	"time"
)

func lookup(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

// EnvString reads a string env var with a default.
func EnvString(key, def string) string {
	if v := lookup(key); v != "" {
		return v
	}
	return def
}

// EnvBool reads a bool env var with a default.
func EnvBool(key string, def bool) bool {
	b, err := strconv.ParseBool(lookup(key))
	if err != nil {
		return def
	}
	return b
}

// EnvInt reads a positive int env var with a default.
func EnvInt(key string, def int) int {
	n, err := strconv.Atoi(lookup(key))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// EnvInt32 reads a non-negative int32 env var with a default.
func EnvInt32(key string, def int32) int32 {
	n, err := strconv.ParseInt(lookup(key), 10, 32)
	if err != nil || n < 0 {
		return def
	}
	return int32(n)
}

// EnvDuration reads a positive duration env var with a default.
func EnvDuration(key string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(lookup(key))
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// EnvList reads a comma-separated list. Empty entries are skipped; an unset
// or blank variable yields def.
func EnvList(key string, def []string) []string {
	v := lookup(key)
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
