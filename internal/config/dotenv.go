package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ReadDotEnv parses a .env-style file. Supported lines:
//
//	KEY=VALUE
//	KEY="VALUE WITH SPACES"
//	export KEY=VALUE
//
// Blank lines and lines starting with '#' are skipped.
func ReadDotEnv(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	vars := map[string]string{}
	s := bufio.NewScanner(f)
	n := 0
	for s.Scan() {
		n++
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, val, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("%s:%d: expected KEY=VALUE", path, n)
		}
		vars[key] = unquote(strings.TrimSpace(val))
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return vars, nil
}

func unquote(v string) string {
	if len(v) >= 2 {
		if (v[0] == '"' && v[len(v)-1] == '"') || (v[0] == '\'' && v[len(v)-1] == '\'') {
			return v[1 : len(v)-1]
		}
	}
	return v
}

// LoadDotEnv sets the variables of path into the process environment.
// Existing variables win unless override is true.
func LoadDotEnv(path string, override bool) error {
	vars, err := ReadDotEnv(path)
	if err != nil {
		return err
	}
	for k, v := range vars {
		if !override {
			if _, ok := os.LookupEnv(k); ok {
				continue
			}
		}
		if err := os.Setenv(k, v); err != nil {
			return err
		}
	}
	return nil
}

// LoadDotEnvDefault loads .env from the working directory and from the
// directory of dir (usually the stack file), ignoring missing files.
func LoadDotEnvDefault(dir string) {
	seen := map[string]bool{}
	var candidates []string
	if cwd, err := os.Getwd(); err == nil {
		candidates = append(candidates, filepath.Join(cwd, ".env"))
	}
	if dir != "" {
		candidates = append(candidates, filepath.Join(dir, ".env"))
	}
	for _, p := range candidates {
		abs, err := filepath.Abs(p)
		if err != nil || seen[abs] {
			continue
		}
		seen[abs] = true
		if st, err := os.Stat(abs); err == nil && !st.IsDir() {
			_ = LoadDotEnv(abs, false)
		}
	}
}
