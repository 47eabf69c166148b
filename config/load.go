package config

import (
	"os"

	"github.com/ilyakaznacheev/cleanenv"
)

// Load reads the application config from the given YAML path, then applies
// environment overrides. A missing file is not an error: env vars and
// defaults are enough to run.
func Load(path string) (*AppConfig, error) {
	cfg := &AppConfig{}
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := cleanenv.ReadConfig(path, cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
	}
	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
