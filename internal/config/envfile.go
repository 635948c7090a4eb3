package config

import (
	"bufio"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// EnvPrefix scopes the variables an env file may set.
const EnvPrefix = "KAFGENOME_"

// EnvFile is the parsed content of one env file.
type EnvFile struct {
	Path string
	// Values holds the KAFGENOME_* assignments in the file.
	Values map[string]string
	// Ignored lists keys outside the KAFGENOME_ scope; they are never applied.
	Ignored []string
}

// Keys returns the assigned keys in sorted order.
func (f EnvFile) Keys() []string {
	keys := make([]string, 0, len(f.Values))
	for k := range f.Values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// EnvFileCandidates returns the env file locations in load order:
// KAFGENOME_ENV_FILE, then ~/.config/kafgenome/env, ~/.kafgenome/env and
// ~/.kafgenome/.env. Duplicates are dropped.
func EnvFileCandidates() []string {
	var raw []string
	if explicit := strings.TrimSpace(os.Getenv(EnvPrefix + "ENV_FILE")); explicit != "" {
		raw = append(raw, explicit)
	}
	if home, err := os.UserHomeDir(); err == nil {
		raw = append(raw,
			filepath.Join(home, ".config", "kafgenome", "env"),
			filepath.Join(home, ConfigDir, "env"),
			filepath.Join(home, ConfigDir, ".env"),
		)
	}
	seen := map[string]bool{}
	var out []string
	for _, p := range raw {
		if abs, err := filepath.Abs(p); err == nil {
			p = abs
		}
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

// LoadEnvFileCandidates applies every candidate env file that exists and
// returns what was read. Variables already set in the process win, and so
// does the first file that sets a key.
func LoadEnvFileCandidates() []EnvFile {
	var loaded []EnvFile
	for _, path := range EnvFileCandidates() {
		f, err := ReadEnvFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				slog.Warn("Config: env file unreadable", "path", path, "error", err)
			}
			continue
		}
		applyEnvFile(f)
		loaded = append(loaded, f)
	}
	return loaded
}

// ReadEnvFile parses path without touching the process environment. Lines are
// KEY=value with optional "export " and optional single or double quotes.
func ReadEnvFile(path string) (EnvFile, error) {
	fh, err := os.Open(path)
	if err != nil {
		return EnvFile{}, err
	}
	defer fh.Close()

	f := EnvFile{Path: path, Values: map[string]string{}}
	sc := bufio.NewScanner(fh)
	for sc.Scan() {
		key, val, ok := parseEnvLine(sc.Text())
		if !ok {
			continue
		}
		if !strings.HasPrefix(key, EnvPrefix) {
			f.Ignored = append(f.Ignored, key)
			continue
		}
		f.Values[key] = val
	}
	return f, sc.Err()
}

func applyEnvFile(f EnvFile) {
	for _, key := range f.Keys() {
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, f.Values[key])
	}
	if len(f.Ignored) > 0 {
		slog.Warn("Config: env file keys outside "+EnvPrefix+" ignored", "path", f.Path, "keys", f.Ignored)
	}
}

func parseEnvLine(line string) (key, val string, ok bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", "", false
	}
	line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
	key, val, ok = strings.Cut(line, "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return "", "", false
	}
	val = strings.TrimSpace(val)
	if n := len(val); n >= 2 && (val[0] == '"' || val[0] == '\'') && val[n-1] == val[0] {
		val = val[1 : n-1]
	}
	return key, val, true
}
