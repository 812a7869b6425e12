package internal

import (
	"fmt"
	"os"
)

// ConnString returns the PostgreSQL connection string for the environment.
// DATABASE_URL wins; otherwise the string is assembled from the standard
// PG* variables with local-development defaults.
func ConnString() string {
	if connStr := os.Getenv("DATABASE_URL"); connStr != "" {
		return connStr
	}

	host := getEnvOrDefault("PGHOST", "localhost")
	port := getEnvOrDefault("PGPORT", "5432")
	user := getEnvOrDefault("PGUSER", "postgres")
	password := getEnvOrDefault("PGPASSWORD", "postgres")
	database := getEnvOrDefault("PGDATABASE", "postgres")

	if password != "" {
		return fmt.Sprintf(
			"postgres://%s:%s@%s:%s/%s?sslmode=disable",
			user, password, host, port, database,
		)
	}
	return fmt.Sprintf(
		"postgres://%s@%s:%s/%s?sslmode=disable",
		user, host, port, database,
	)
}

// getEnvOrDefault retrieves an environment variable or returns a default
// value if the variable is not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
