package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/keyvault-sh/keyvault/internal/crypto"
	"github.com/keyvault-sh/keyvault/internal/logx"
	"github.com/keyvault-sh/keyvault/internal/server"
	"github.com/keyvault-sh/keyvault/internal/server/db"
	"github.com/keyvault-sh/keyvault/internal/version"
)

const deviceCodeSweepInterval = 5 * time.Minute

func main() {
	showVersion := flag.Bool("version", false, "Print version and exit")
	verbose := flag.Bool("verbose", false, "Enable verbose debug logs (same as --log-level debug)")
	logLevel := flag.String("log-level", "", "Log level: debug|info|warn|error (or KEYVAULT_LOG_LEVEL)")
	genKey := flag.Bool("generate-key", false, "Print a fresh encryption key and exit")
	flag.BoolVar(showVersion, "v", false, "Print version and exit")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "%s\n\n", version.String("keyvault-server"))
		fmt.Fprintf(os.Stderr, "KeyVault server stores encrypted secrets and serves them to authenticated clients.\n\n")
		fmt.Fprintf(os.Stderr, "Environment variables:\n")
		fmt.Fprintf(os.Stderr, "  KEYVAULT_ENCRYPTION_KEY  Encryption key: 64 hex chars, or a passphrase to derive from (required)\n")
		fmt.Fprintf(os.Stderr, "  KEYVAULT_DB_PATH         SQLite database path (default: keyvault.db)\n")
		fmt.Fprintf(os.Stderr, "  KEYVAULT_LISTEN_ADDR     Listen address (default: :8080)\n")
		fmt.Fprintf(os.Stderr, "  KEYVAULT_BASE_URL        Public base URL used in device-login verification links (default: http://localhost:8080)\n")
		fmt.Fprintf(os.Stderr, "  KEYVAULT_CORS_ORIGINS    Comma-separated allowed CORS origins (default: none)\n")
		fmt.Fprintf(os.Stderr, "  KEYVAULT_LOG_LEVEL       Log level for server logs: debug|info|warn|error (default: info)\n")
		fmt.Fprintf(os.Stderr, "\nFlags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String("keyvault-server"))
		os.Exit(0)
	}
	if *genKey {
		key, err := crypto.GenerateKey()
		if err != nil {
			log.Fatalf("generate key: %v", err)
		}
		fmt.Println(key)
		os.Exit(0)
	}

	if err := logx.Configure(*logLevel, *verbose); err != nil {
		log.Fatalf("configure logging: %v", err)
	}

	cfg, err := server.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	cipher, err := crypto.NewCipher(cfg.EncryptionKey)
	if err != nil {
		log.Fatalf("load encryption key: %v", err)
	}

	store, err := db.NewStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer store.Close()

	// Expired login attempts otherwise linger until someone polls them.
	go func() {
		for range time.Tick(deviceCodeSweepInterval) {
			n, err := store.DeleteExpiredDeviceCodes(time.Now().UTC())
			if err != nil {
				logx.Warnf("sweep device codes: %v", err)
				continue
			}
			if n > 0 {
				logx.Debugf("swept %d expired device codes", n)
			}
		}
	}()

	r := server.NewRouter(store, cipher, cfg)
	logx.Infof("server config: base_url=%s db=%s", cfg.BaseURL, cfg.DBPath)

	log.Printf("keyvault-server listening on %s", cfg.ListenAddr)
	if err := r.Run(cfg.ListenAddr); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
