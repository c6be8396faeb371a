package configs

import (
	"flag"
	"os"

	"github.com/hilthontt/metrelay/internal/infrastructure/env"
)

// DetermineConfigPath resolves the config file from the --config flag, the
// METRELAY_CONFIG env var, or a list of conventional locations. An empty
// result means defaults plus env overrides only.
func DetermineConfigPath() string {
	var configPath string

	flag.StringVar(&configPath, "config", "", "path to config file")
	flag.Parse()

	if configPath == "" {
		configPath = env.GetString("METRELAY_CONFIG", "")
	}

	if configPath == "" {
		candidates := []string{
			"./config.yaml",
			"./config.yml",
			"/etc/metrelay/config.yaml",
			"/app/config.yaml", // common in Docker
		}

		for _, p := range candidates {
			if _, err := os.Stat(p); err == nil {
				configPath = p
				break
			}
		}
	}

	return configPath
}
