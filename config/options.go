package config

import (
	"os"

	"github.com/joho/godotenv"
)

// Options are per-process runtime settings that don't belong in the shared
// cluster file. Values come from the environment; a .env file in the working
// directory is honored if present, real environment variables win.
type Options struct {
	DataDir string // directory for WAL files
	Host    string // listen host override
}

const (
	envDataDir = "QKV_DATA_DIR"
	envHost    = "QKV_HOST"
)

func LoadOptions() Options {
	// ignore the error: a missing .env is the normal case
	_ = godotenv.Load()

	opts := Options{
		DataDir: "./data",
		Host:    "",
	}

	if v := os.Getenv(envDataDir); v != "" {
		opts.DataDir = v
	}
	if v := os.Getenv(envHost); v != "" {
		opts.Host = v
	}

	return opts
}
