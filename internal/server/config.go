package server

import (
	"fmt"
	"os"
	"strings"
)

// Config holds server configuration loaded from environment variables.
type Config struct {
	EncryptionKey string
	DBPath        string
	ListenAddr    string
	BaseURL       string
	CORSOrigins   []string
}

// LoadConfig loads server configuration from environment variables.
func LoadConfig() (*Config, error) {
	encryptionKey := os.Getenv("KEYVAULT_ENCRYPTION_KEY")
	if encryptionKey == "" {
		return nil, fmt.Errorf("KEYVAULT_ENCRYPTION_KEY is required")
	}
	if len(encryptionKey) < 16 {
		return nil, fmt.Errorf("KEYVAULT_ENCRYPTION_KEY must be at least 16 characters")
	}

	dbPath := os.Getenv("KEYVAULT_DB_PATH")
	if dbPath == "" {
		dbPath = "keyvault.db"
	}

	listenAddr := os.Getenv("KEYVAULT_LISTEN_ADDR")
	if listenAddr == "" {
		listenAddr = ":8080"
	}

	baseURL := strings.TrimRight(os.Getenv("KEYVAULT_BASE_URL"), "/")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}

	var corsOrigins []string
	if v := os.Getenv("KEYVAULT_CORS_ORIGINS"); v != "" {
		for _, o := range strings.Split(v, ",") {
			o = strings.TrimSpace(o)
			if o != "" {
				corsOrigins = append(corsOrigins, o)
			}
		}
	}

	return &Config{
		EncryptionKey: encryptionKey,
		DBPath:        dbPath,
		ListenAddr:    listenAddr,
		BaseURL:       baseURL,
		CORSOrigins:   corsOrigins,
	}, nil
}
