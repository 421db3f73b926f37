package core

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/3cpo-dev/autostudy/pkg/api"
)

// SecretsPath resolves $XDG_CONFIG_HOME/autostudy/secrets.env.
func SecretsPath() string { return filepath.Join(ConfigDir(), "secrets.env") }

// LoadSecretsEnv reads a secrets file (SecretsPath when path is empty) and
// returns key/value pairs. Lines starting with # are ignored. Format: KEY=VALUE
func LoadSecretsEnv(path string) (map[string]string, error) {
	if path == "" {
		path = SecretsPath()
	}
	f, err := os.Open(path)
	if err != nil {
		return map[string]string{}, nil // not fatal if missing
	}
	defer f.Close()
	out := map[string]string{}
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i >= 0 {
			k := strings.TrimSpace(line[:i])
			v := strings.Trim(strings.TrimSpace(line[i+1:]), `"`)
			out[k] = v
		}
	}
	if err := s.Err(); err != nil {
		return out, fmt.Errorf("read secrets: %w", err)
	}
	return out, nil
}

// SaveSecretsEnv merges updates into the secrets file, keeping unrelated keys.
// Empty values remove a key.
func SaveSecretsEnv(path string, updates map[string]string) error {
	if path == "" {
		path = SecretsPath()
	}
	current, err := LoadSecretsEnv(path)
	if err != nil {
		return err
	}
	for k, v := range updates {
		if v == "" {
			delete(current, k)
			continue
		}
		current[k] = v
	}
	keys := make([]string, 0, len(current))
	for k := range current {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("# written by autostudy\n")
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s\n", k, current[k])
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return os.WriteFile(path, []byte(b.String()), 0o600)
}

// SaveCredentials persists platform credentials to the secrets file.
func SaveCredentials(path string, creds api.Credentials) error {
	return SaveSecretsEnv(path, map[string]string{
		EnvToken:  creds.Token,
		EnvCookie: creds.Cookie,
	})
}
