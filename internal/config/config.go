package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Load reads the .env file specified by CARTOGRAPH_ENV (or .env by default),
// then loads the corresponding .secret file if it exists.
// All config is flat env vars read via os.Getenv after loading.
func Load() error {
	envFile := os.Getenv("CARTOGRAPH_ENV")
	if envFile == "" {
		envFile = ".env"
	}

	// Load main env file (ignore error if file doesn't exist)
	_ = godotenv.Load(envFile)

	// Load secret sidecar if it exists
	_ = godotenv.Load(envFile + ".secret")

	return nil
}

func ServerPort() int {
	port, err := strconv.Atoi(os.Getenv("SERVER_PORT"))
	if err != nil {
		return 8080
	}
	return port
}

func ServerAddr() string {
	return fmt.Sprintf(":%d", ServerPort())
}

func DatabaseURL() string {
	return os.Getenv("DATABASE_URL")
}

// StoreBackend selects the global store implementation.
// Valid values: memory, postgres. Defaults to "memory".
func StoreBackend() string {
	b := os.Getenv("STORE_BACKEND")
	if b == "" {
		return "memory"
	}
	return b
}

// CorpusDir is the directory the loader scans for proto-graph documents.
func CorpusDir() string {
	d := os.Getenv("CORPUS_DIR")
	if d == "" {
		return "corpus"
	}
	return d
}

// CompileOnStart controls whether the server runs a full compile before
// accepting requests. Defaults to true.
func CompileOnStart() bool {
	v := os.Getenv("COMPILE_ON_START")
	if v == "" {
		return true
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return true
	}
	return b
}

// RateLimitRPS returns requests per second limit.
// Defaults to 100 if not set.
func RateLimitRPS() float64 {
	rps, err := strconv.ParseFloat(os.Getenv("RATE_LIMIT_RPS"), 64)
	if err != nil {
		return 100
	}
	return rps
}

// RateLimitBurst returns the burst size for the rate limiter.
// Defaults to 20 if not set.
func RateLimitBurst() int {
	burst, err := strconv.Atoi(os.Getenv("RATE_LIMIT_BURST"))
	if err != nil {
		return 20
	}
	return burst
}

func MigrationsPath() string {
	p := os.Getenv("MIGRATIONS_PATH")
	if p == "" {
		return "migrations"
	}
	return p
}
