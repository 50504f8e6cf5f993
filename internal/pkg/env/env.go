package env

import (
	"log"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Env holds the values read from the .env file.
var Env map[string]string

// SetupEnvFile loads the first .env file found. Without one the process
// environment is used as is.
func SetupEnvFile() {
	envFiles := []string{
		".env",          // Current directory
		"../../.env",    // From cmd/sbily to project root
		"../../../.env", // Fallback for deeper nesting
	}

	var err error
	for _, envFile := range envFiles {
		Env, err = godotenv.Read(envFile)
		if err == nil {
			return
		}
	}

	log.Printf("No .env file found, using process environment only")
	Env = map[string]string{}
}

// Environ merges the process environment with the loaded .env values.
// Values from the .env file win over the process environment.
func Environ() map[string]string {
	merged := make(map[string]string, len(Env))
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			merged[k] = v
		}
	}
	for k, v := range Env {
		merged[k] = v
	}
	return merged
}
