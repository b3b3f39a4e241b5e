package config

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chatclient/internal/logger"
)

// loadEnv reads .env outside production only (deployed installs configure
// through real environment variables).
func loadEnv() {
	if os.Getenv("APP_ENV") == "production" {
		return
	}
	dir, err := os.Getwd()
	if err != nil {
		return
	}
	for i := 0; i < 5; i++ {
		path := dir + "/.env"
		f, err := os.Open(path)
		if err == nil {
			loadEnvFrom(f)
			f.Close()
			return
		}
		parent := strings.TrimSuffix(dir, "/")
		idx := strings.LastIndex(parent, "/")
		if idx <= 0 {
			return
		}
		dir = parent[:idx]
		if dir == "" {
			dir = "/"
		}
	}
}

func loadEnvFrom(f *os.File) {
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.Index(line, "=")
		if idx <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])
		if key == "" {
			continue
		}
		if len(val) >= 2 && (val[0] == '"' && val[len(val)-1] == '"' || val[0] == '\'' && val[len(val)-1] == '\'') {
			val = val[1 : len(val)-1]
		}
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// Config holds the client settings.
// Priority: environment variables > YAML file > defaults.
type Config struct {
	// Backend
	ServerURL string `yaml:"server_url"`
	WSURL     string `yaml:"ws_url"`

	// HTTP
	HTTPTimeout time.Duration `yaml:"-"`

	// Reconnect policy for the event channel
	ReconnectMaxAttempts int `yaml:"reconnect_max_attempts"`

	// Local persistence of the last selected conversation.
	// Empty Redis URL falls back to the in-memory store.
	RedisURL string `yaml:"redis_url"`

	// Dev server (-dev flag)
	DevAddr string `yaml:"dev_addr"`

	// Logging
	LogLevel string `yaml:"log_level"`
}

type yamlConfig struct {
	ServerURL            string `yaml:"server_url"`
	WSURL                string `yaml:"ws_url"`
	HTTPTimeout          int    `yaml:"http_timeout"`
	ReconnectMaxAttempts int    `yaml:"reconnect_max_attempts"`
	RedisURL             string `yaml:"redis_url"`
	DevAddr              string `yaml:"dev_addr"`
	LogLevel             string `yaml:"log_level"`
}

// Load reads configuration: .env first (if present), then YAML, then env
// variables (env wins).
func Load() *Config {
	loadEnv()
	yc := yamlConfig{
		ServerURL:            "http://localhost:8080",
		HTTPTimeout:          15,
		ReconnectMaxAttempts: 5,
		DevAddr:              "127.0.0.1:8080",
		LogLevel:             "info",
	}

	paths := []string{os.Getenv("CONFIG_PATH"), "config/client.yaml"}
	for _, path := range paths {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if err := yaml.Unmarshal(data, &yc); err != nil {
			logger.Errorf("config: parse %s: %v (using defaults)", path, err)
		} else {
			logger.Infof("config: loaded %s", path)
		}
		break
	}

	cfg := &Config{
		ServerURL:            envStr("SERVER_URL", yc.ServerURL),
		WSURL:                envStr("WS_URL", yc.WSURL),
		HTTPTimeout:          time.Duration(envInt("HTTP_TIMEOUT", yc.HTTPTimeout)) * time.Second,
		ReconnectMaxAttempts: envInt("RECONNECT_MAX_ATTEMPTS", yc.ReconnectMaxAttempts),
		RedisURL:             envStr("REDIS_URL", yc.RedisURL),
		DevAddr:              envStr("DEV_ADDR", yc.DevAddr),
		LogLevel:             envStr("LOG_LEVEL", yc.LogLevel),
	}
	cfg.ServerURL = strings.TrimRight(cfg.ServerURL, "/")
	if cfg.WSURL == "" {
		cfg.WSURL = deriveWSURL(cfg.ServerURL)
	}
	if cfg.ReconnectMaxAttempts <= 0 {
		cfg.ReconnectMaxAttempts = 5
	}
	return cfg
}

// deriveWSURL maps the REST base URL to the event channel endpoint
// (http -> ws, https -> wss, path /ws).
func deriveWSURL(serverURL string) string {
	switch {
	case strings.HasPrefix(serverURL, "https://"):
		return "wss://" + strings.TrimPrefix(serverURL, "https://") + "/ws"
	case strings.HasPrefix(serverURL, "http://"):
		return "ws://" + strings.TrimPrefix(serverURL, "http://") + "/ws"
	default:
		return "ws://" + serverURL + "/ws"
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
