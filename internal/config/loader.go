package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// maxFileSize caps the YAML file read by LoadWithFile.
const maxFileSize = 1 << 20

// LoadWithFile layers defaults, the YAML file at path and SECTION_FIELD
// environment variables, in increasing precedence, then validates.
//
// An empty path means ~/.config/voxchain/config.yaml. A missing file is not
// an error. An existing file must live under ~/.config/voxchain or
// /etc/voxchain, be at most 1MB and carry 0600 or 0400 permissions since
// it may hold API keys.
//
// Environment keys map by their first token:
//
//	SERVER_HTTP_PORT          -> server.http_port
//	LLM_API_KEY               -> llm.api_key
//	GOVERNOR_ASR_MAX_ATTEMPTS -> governor.units.asr.max_attempts
func LoadWithFile(path string) (*Config, error) {
	if path == "" {
		path = filepath.Join(configDir(), "config.yaml")
	}
	if err := checkConfigPath(path); err != nil {
		return nil, fmt.Errorf("config path validation failed: %w", err)
	}

	k := koanf.New(".")
	content, err := readConfigFile(path)
	if err != nil {
		return nil, err
	}
	if content != nil {
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider("", ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// readConfigFile returns nil content when path does not exist. Checks run on
// the open descriptor so the file cannot be swapped between stat and read.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat config file: %w", err)
	}
	if runtime.GOOS != "windows" {
		if perm := info.Mode().Perm(); perm != 0o600 && perm != 0o400 {
			return nil, fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}
	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxFileSize)
	}
	return io.ReadAll(io.LimitReader(f, maxFileSize))
}

// allowedConfigDirs lists the directories a config file may live in.
func allowedConfigDirs() []string {
	return []string{configDir(), "/etc/voxchain"}
}

// checkConfigPath rejects paths that resolve, after symlinks, outside the
// allowed directories. Paths that do not exist yet are checked as written.
func checkConfigPath(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", path, err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	for _, dir := range allowedConfigDirs() {
		if abs == dir || strings.HasPrefix(abs, dir+string(filepath.Separator)) {
			return nil
		}
	}
	return errors.New("config file must be in ~/.config/voxchain/ or /etc/voxchain/")
}

// EnsureConfigDir creates ~/.config/voxchain with mode 0700.
func EnsureConfigDir() error {
	dir := configDir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	return nil
}

// envKey maps SECTION_FIELD to section.field and skips variables outside
// the known sections.
func envKey(s string) string {
	section, field, ok := strings.Cut(strings.ToLower(s), "_")
	if !ok || field == "" || !envSections[section] {
		return ""
	}
	if section == "governor" {
		if dep, rest, ok := strings.Cut(field, "_"); ok && governedDeps[dep] {
			return "governor.units." + dep + "." + rest
		}
	}
	return section + "." + field
}

var envSections = map[string]bool{
	"server": true, "observability": true, "logging": true, "store": true,
	"nats": true, "governor": true, "tuner": true, "retrieval": true,
	"llm": true, "embeddings": true, "speech": true, "session": true,
}

var governedDeps = map[string]bool{"asr": true, "tts": true, "llm": true}
