package config

import (
	"bytes"
	"encoding/base64"
	"errors"
	"testing"
)

func clearCryptoEnv(t *testing.T) {
	t.Helper()
	t.Setenv("MASTER_KEYS_JSON", "")
	t.Setenv("MASTER_KEY_B64", "")
	t.Setenv("MASTER_KEY_CURRENT_ID", "")
}

func testKeyB64(b byte) string {
	return base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{b}, 32))
}

func TestLoadDBDefaultsToSQLite(t *testing.T) {
	t.Setenv("DATABASE_TYPE", "")
	t.Setenv("DATABASE_DSN", "")
	t.Setenv("AUTO_MIGRATE", "")

	db, err := LoadDB()
	if err != nil {
		t.Fatalf("LoadDB: %v", err)
	}
	if db.Driver != DriverSQLite {
		t.Fatalf("driver = %q, want sqlite", db.Driver)
	}
	if db.DSN != "file:agentmux.db" {
		t.Fatalf("dsn = %q, want default sqlite file", db.DSN)
	}
	if !db.AutoMigrate {
		t.Fatal("auto migrate should default on")
	}
}

func TestLoadDBPostgresRequiresDSN(t *testing.T) {
	t.Setenv("DATABASE_TYPE", "postgres")
	t.Setenv("DATABASE_DSN", "")

	if _, err := LoadDB(); !errors.Is(err, ErrMissingDatabaseDSN) {
		t.Fatalf("err = %v, want ErrMissingDatabaseDSN", err)
	}

	t.Setenv("DATABASE_DSN", "postgres://app@localhost/agentmux")
	db, err := LoadDB()
	if err != nil {
		t.Fatalf("LoadDB with dsn: %v", err)
	}
	if db.Driver != "postgres" {
		t.Fatalf("driver = %q", db.Driver)
	}
}

func TestLoadDBRejectsUnknownDriver(t *testing.T) {
	t.Setenv("DATABASE_TYPE", "oracle")

	if _, err := LoadDB(); !errors.Is(err, ErrInvalidDatabaseType) {
		t.Fatalf("err = %v, want ErrInvalidDatabaseType", err)
	}
}

func TestLoadRequiresMasterKey(t *testing.T) {
	clearCryptoEnv(t)
	t.Setenv("DATABASE_TYPE", "")
	t.Setenv("AGIXT_URI", "")

	if _, err := Load(); !errors.Is(err, ErrMissingMasterKey) {
		t.Fatalf("err = %v, want ErrMissingMasterKey", err)
	}
}

func TestLoadSingleMasterKey(t *testing.T) {
	clearCryptoEnv(t)
	t.Setenv("DATABASE_TYPE", "")
	t.Setenv("AGIXT_URI", "")
	t.Setenv("MASTER_KEY_B64", testKeyB64('a'))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Crypto.CurrentKeyID != "default" {
		t.Fatalf("current key id = %q, want default", cfg.Crypto.CurrentKeyID)
	}
	if len(cfg.Crypto.Keys["default"]) != 32 {
		t.Fatalf("key length = %d", len(cfg.Crypto.Keys["default"]))
	}
}

func TestLoadMasterKeyRotationSet(t *testing.T) {
	clearCryptoEnv(t)
	t.Setenv("DATABASE_TYPE", "")
	t.Setenv("AGIXT_URI", "")
	t.Setenv("MASTER_KEYS_JSON", `{"k1":"`+testKeyB64('1')+`","k2":"`+testKeyB64('2')+`"}`)
	t.Setenv("MASTER_KEY_CURRENT_ID", "k2")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Crypto.CurrentKeyID != "k2" {
		t.Fatalf("current key id = %q, want k2", cfg.Crypto.CurrentKeyID)
	}
	if len(cfg.Crypto.Keys) != 2 {
		t.Fatalf("key count = %d, want 2", len(cfg.Crypto.Keys))
	}
}

func TestLoadRejectsShortMasterKey(t *testing.T) {
	clearCryptoEnv(t)
	t.Setenv("DATABASE_TYPE", "")
	t.Setenv("AGIXT_URI", "")
	t.Setenv("MASTER_KEY_B64", base64.StdEncoding.EncodeToString([]byte("short")))

	if _, err := Load(); err == nil {
		t.Fatal("expected error for non 32-byte key")
	}
}

func TestLoadListenAddrFromURI(t *testing.T) {
	clearCryptoEnv(t)
	t.Setenv("DATABASE_TYPE", "")
	t.Setenv("MASTER_KEY_B64", testKeyB64('a'))
	t.Setenv("AGIXT_URI", "http://agents.internal:7437/")
	t.Setenv("HTTP_LISTEN_ADDR", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.ListenAddr != ":7437" {
		t.Fatalf("listen addr = %q, want :7437", cfg.Server.ListenAddr)
	}
	if cfg.Server.PublicURI != "http://agents.internal:7437" {
		t.Fatalf("public uri = %q", cfg.Server.PublicURI)
	}

	// An explicit listen address wins over the port derived from the URI.
	t.Setenv("HTTP_LISTEN_ADDR", "127.0.0.1:9999")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("Load with override: %v", err)
	}
	if cfg.Server.ListenAddr != "127.0.0.1:9999" {
		t.Fatalf("listen addr = %q, want override", cfg.Server.ListenAddr)
	}
}

func TestLoadRejectsBadURI(t *testing.T) {
	clearCryptoEnv(t)
	t.Setenv("DATABASE_TYPE", "")
	t.Setenv("MASTER_KEY_B64", testKeyB64('a'))
	t.Setenv("AGIXT_URI", "redis://nope")

	if _, err := Load(); !errors.Is(err, ErrInvalidURI) {
		t.Fatalf("err = %v, want ErrInvalidURI", err)
	}
}
