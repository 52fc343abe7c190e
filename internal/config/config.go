package config

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"log"
	"os"
	"path/filepath"
)

const (
	appName    = "e2ee"
	configFile = "config.json"
)

type Config struct {
	CryptoDBPath string `json:"crypto_db_path"`
	PickleKey    string `json:"pickle_key"`
}

func Load() (*Config, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return nil, err
	}
	appDir := filepath.Join(configDir, appName)

	path := filepath.Join(appDir, configFile)
	var cfg Config

	data, err := os.ReadFile(path)
	if err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	} else {
		cfg.CryptoDBPath = filepath.Join(appDir, "crypto")
		pickle := make([]byte, 32)
		if _, err := rand.Read(pickle); err != nil {
			return nil, err
		}
		cfg.PickleKey = base64.StdEncoding.EncodeToString(pickle)
		if err := os.MkdirAll(appDir, 0700); err != nil {
			return nil, err
		}
		out, _ := json.MarshalIndent(cfg, "", "  ")
		if err := os.WriteFile(path, out, 0600); err != nil {
			return nil, err
		}
		log.Printf("Generated new config at: %s", path)
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CRYPTO_DB_PATH"); v != "" {
		cfg.CryptoDBPath = v
	}
	if v := os.Getenv("PICKLE_KEY"); v != "" {
		cfg.PickleKey = v
	}
}
