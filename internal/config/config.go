// Package config parses the nodekit server's flags and environment,
// mirroring the teacher's Serve()'s flag block (port, storage URLs,
// log level) generalized to this project's storage/registry settings.
package config

import (
	"flag"
	"runtime"

	"github.com/joho/godotenv"
)

// Config is the nodekit server's runtime configuration.
type Config struct {
	Port             int
	StoreURL         string // "memory:" | "bolt:<path>" | "s3:bucket=...&region=..."
	RegistryURL      string
	TranspileWorkers int
	LogLevel         string
	LogDir           string
}

// Load parses CLI flags (after loading a .env file if present, the way
// nagyist-airplanedev.cli bootstraps local dev config) into a Config.
func Load(args []string) (*Config, error) {
	_ = godotenv.Load()

	fs := flag.NewFlagSet("nodekit", flag.ContinueOnError)
	cfg := &Config{}
	fs.IntVar(&cfg.Port, "port", 8787, "http server port")
	fs.StringVar(&cfg.StoreURL, "store", "memory:default", "file repository backend, e.g. bolt:/data/nodekit.db")
	fs.StringVar(&cfg.RegistryURL, "registry", "", "npm registry base url, default registry.npmjs.org")
	fs.IntVar(&cfg.TranspileWorkers, "transpile-workers", runtime.NumCPU(), "transpiler worker pool size")
	fs.StringVar(&cfg.LogLevel, "log-level", "info", "log level")
	fs.StringVar(&cfg.LogDir, "log-dir", "", "log dir, default stderr")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return cfg, nil
}
