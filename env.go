// FILE: env.go
// Package main – Environment helpers and .env loading.
//
// Small helpers to read environment variables with sane defaults, plus a
// thin wrapper over godotenv so a .env file in "." or ".." is loaded
// without the operator needing to `export` anything. godotenv replaces
// the hand-rolled line scanner the teacher used for the same job
// (web3guy0-polybot and ChoSanghyuk-blackholedex both load config this
// way), but the "never override an already-set env var" contract is
// preserved.
package main

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getEnvBool(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "1", "true", "y", "yes":
		return true
	case "0", "false", "n", "no":
		return false
	default:
		return def
	}
}

func getEnvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

// loadBotEnv loads .env from "." and ".." without clobbering variables
// already present in the process environment.
func loadBotEnv() {
	for _, base := range []string{".", ".."} {
		path := filepath.Join(base, ".env")
		vals, err := godotenv.Read(path)
		if err != nil {
			continue
		}
		for k, v := range vals {
			if os.Getenv(k) == "" {
				_ = os.Setenv(k, v)
			}
		}
	}
}
