// Package dotenv applies KEY=VALUE pairs from .env files to the process
// environment, for local development where exporting GEMINI_API_KEY by hand
// is tedious. Variables already present in the environment always win.
package dotenv

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// Load applies ".env" from the current directory, if present.
func Load() error {
	return LoadFile(".env")
}

// LoadFile applies the pairs in a dotenv-style file to the environment. A
// missing file is not an error. Existing environment variables are never
// overwritten.
func LoadFile(path string) error {
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("opening env file %s: %w", path, err)
	}
	defer file.Close()

	pairs, err := Parse(file)
	if err != nil {
		return fmt.Errorf("parsing env file %s: %w", path, err)
	}
	for key, val := range pairs {
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		if err := os.Setenv(key, val); err != nil {
			return fmt.Errorf("setting %s from %s: %w", key, path, err)
		}
	}
	return nil
}

// Parse reads dotenv-style input into a map. Blank lines and #-comments are
// skipped, an optional "export " prefix is accepted, and matching single or
// double quotes around a value are stripped.
func Parse(r io.Reader) (map[string]string, error) {
	pairs := map[string]string{}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		key, val, ok := splitPair(scanner.Text())
		if ok {
			pairs[key] = val
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return pairs, nil
}

func splitPair(line string) (key, val string, ok bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", "", false
	}
	line = strings.TrimPrefix(line, "export ")

	key, val, found := strings.Cut(line, "=")
	key = strings.TrimSpace(key)
	if !found || key == "" {
		return "", "", false
	}
	return key, unquote(strings.TrimSpace(val)), true
}

func unquote(val string) string {
	if len(val) < 2 {
		return val
	}
	if (val[0] == '"' && val[len(val)-1] == '"') || (val[0] == '\'' && val[len(val)-1] == '\'') {
		return val[1 : len(val)-1]
	}
	return val
}
