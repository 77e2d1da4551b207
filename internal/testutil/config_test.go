package testutil

import "testing"

func TestDefaultTestDBConfig_Defaults(t *testing.T) {
	// Empty values fall through to the defaults.
	for _, key := range []string{
		"TEST_DB_HOST", "TEST_DB_PORT", "TEST_DB_USER", "TEST_DB_PASSWORD", "TEST_DB_NAME",
	} {
		t.Setenv(key, "")
	}

	cfg := DefaultTestDBConfig()

	if cfg.Host != "localhost" {
		t.Errorf("expected Host=localhost, got %s", cfg.Host)
	}
	if cfg.Port != "55432" {
		t.Errorf("expected Port=55432 (local test DB), got %s", cfg.Port)
	}
	if cfg.User != "mailcanary" || cfg.Password != "mailcanary" || cfg.DBName != "mailcanary" {
		t.Errorf("unexpected credentials: user=%s db=%s", cfg.User, cfg.DBName)
	}
}

func TestDefaultTestDBConfig_EnvOverrides(t *testing.T) {
	// CI runs Postgres as a sibling container on the default port.
	t.Setenv("TEST_DB_HOST", "postgres")
	t.Setenv("TEST_DB_PORT", "5432")
	t.Setenv("TEST_DB_NAME", "mailcanary_ci")

	cfg := DefaultTestDBConfig()

	if cfg.Host != "postgres" {
		t.Errorf("expected Host=postgres, got %s", cfg.Host)
	}
	if cfg.Port != "5432" {
		t.Errorf("expected Port=5432, got %s", cfg.Port)
	}
	if cfg.DBName != "mailcanary_ci" {
		t.Errorf("expected DBName=mailcanary_ci, got %s", cfg.DBName)
	}
}
