package utils

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// LoadEnv loads a .env file when present. Missing files are not an error;
// explicit paths that fail to parse are.
func LoadEnv(paths ...string) error {
	if len(paths) == 0 {
		if _, err := os.Stat(".env"); err != nil {
			return nil
		}
		return godotenv.Load()
	}
	return godotenv.Load(paths...)
}

// EnvOr returns the environment value or a default.
func EnvOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

// EnvUint parses an unsigned integer environment value, returning def on
// absence or parse failure.
func EnvUint(key string, def uint64) uint64 {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}
