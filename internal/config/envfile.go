package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// envFilePath returns the env file for a deployment environment.
// Unknown environments fall back to development.
func envFilePath(appEnv string) string {
	switch appEnv {
	case "development", "staging", "production":
	default:
		appEnv = "development"
	}
	return filepath.Join("config", "rq", appEnv+".env")
}

// applyEnvFile loads KEY=VALUE pairs from path into the process
// environment. Variables already set in the environment take precedence
// over file values. A missing file is not an error; deployments may rely
// on the environment alone.
func applyEnvFile(path string) error {
	values, err := parseEnvFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("env file %s: %w", path, err)
	}
	for key, value := range values {
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			return fmt.Errorf("env file %s: set %s: %w", path, key, err)
		}
	}
	return nil
}

// parseEnvFile reads a plain KEY=VALUE file. Blank lines and lines
// starting with '#' are skipped; values may be single- or double-quoted.
func parseEnvFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, found := strings.Cut(line, "=")
		if !found {
			return nil, fmt.Errorf("line %d: missing '='", lineNo)
		}
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, fmt.Errorf("line %d: empty key", lineNo)
		}

		value = strings.TrimSpace(value)
		value = unquote(value)
		values[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return values, nil
}

// unquote strips one matching pair of surrounding single or double quotes
func unquote(s string) string {
	if len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if (first == '"' && last == '"') || (first == '\'' && last == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
