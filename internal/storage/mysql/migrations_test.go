package mysql

import (
	"context"
	"strings"
	"testing"
	"testing/fstest"

	"AgentVault/internal/config"
	xerrors "AgentVault/internal/errors"
)

func TestLoadMigrationFilesOrdersByVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"0002_index.sql": {Data: []byte("CREATE INDEX a ON t (c);")},
		"0001_init.sql":  {Data: []byte("CREATE TABLE t (c INT);\n\nINSERT INTO t VALUES (1);")},
		"README.md":      {Data: []byte("not sql")},
		"0003_empty.sql": {Data: []byte("  \n")},
	}
	files, err := loadMigrationFiles(fsys)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("expected 2 migrations, got %d", len(files))
	}
	if files[0].version != "0001" || files[1].version != "0002" {
		t.Fatalf("unexpected order: %s, %s", files[0].version, files[1].version)
	}
	if len(files[0].statements) != 2 {
		t.Fatalf("expected 2 statements, got %d", len(files[0].statements))
	}
}

func TestEmbeddedMigrationsCreateEveryTable(t *testing.T) {
	files, err := loadMigrationFiles(embeddedMigrations)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(files) == 0 {
		t.Fatalf("no embedded migrations")
	}
	var all strings.Builder
	for _, f := range files {
		for _, stmt := range f.statements {
			all.WriteString(stmt + "\n")
		}
	}
	for _, table := range []string{"transactions", "pending_approvals", "spending_locks", "wallets", "policies", "kill_switch_state"} {
		if !strings.Contains(all.String(), "CREATE TABLE IF NOT EXISTS "+table+" ") {
			t.Fatalf("missing table %s", table)
		}
	}
}

func TestParseMigrationVersion(t *testing.T) {
	cases := map[string]string{
		"0001_init.sql": "0001",
		"0002.sql":      "0002",
		"plain":         "plain",
	}
	for name, want := range cases {
		if got := parseMigrationVersion(name); got != want {
			t.Fatalf("%s: expected %s, got %s", name, want, got)
		}
	}
}

func TestOpenRequiresDSN(t *testing.T) {
	_, err := Open(context.Background(), config.StorageConfig{Driver: "mysql"})
	if !xerrors.HasCode(err, xerrors.CodeInitializationFailure) {
		t.Fatalf("expected initialization failure, got %v", err)
	}
}

func TestOpenRejectsMalformedDSN(t *testing.T) {
	_, err := Open(context.Background(), config.StorageConfig{Driver: "mysql", DSN: "user:pass@tcp(localhost:3306"})
	if !xerrors.HasCode(err, xerrors.CodeInitializationFailure) {
		t.Fatalf("expected initialization failure, got %v", err)
	}
}
