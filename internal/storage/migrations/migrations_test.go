package migrations

import (
	"testing"
	"testing/fstest"
)

func TestReadMigrationFiles_LexicalOrder(t *testing.T) {
	fsys := fstest.MapFS{
		"sql/002_second.sql": {Data: []byte("CREATE TABLE b (id INT);")},
		"sql/001_first.sql":  {Data: []byte("CREATE TABLE a (id INT);")},
		"sql/README.md":      {Data: []byte("not a migration")},
	}

	files, err := readMigrationFiles(fsys, "sql")
	if err != nil {
		t.Fatalf("readMigrationFiles failed: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("Expected 2 sql files, got %d", len(files))
	}
	if files[0].name != "001_first.sql" || files[1].name != "002_second.sql" {
		t.Errorf("Files out of order: %q, %q", files[0].name, files[1].name)
	}
	if files[0].sql != "CREATE TABLE a (id INT);" {
		t.Errorf("Contents mismatch: %q", files[0].sql)
	}
}

func TestReadMigrationFiles_Embedded(t *testing.T) {
	pg, err := readMigrationFiles(PostgresFS, "postgres")
	if err != nil {
		t.Fatalf("postgres migrations unreadable: %v", err)
	}
	if len(pg) == 0 {
		t.Error("Expected embedded postgres migrations")
	}

	ch, err := readMigrationFiles(ClickhouseFS, "clickhouse")
	if err != nil {
		t.Fatalf("clickhouse migrations unreadable: %v", err)
	}
	if len(ch) == 0 {
		t.Error("Expected embedded clickhouse migrations")
	}
	for _, file := range ch {
		if err := validateNoSemicolonInStrings(file.sql); err != nil {
			t.Errorf("Migration %s: %v", file.name, err)
		}
		if len(splitStatements(file.sql)) == 0 {
			t.Errorf("Migration %s split to zero statements", file.name)
		}
	}
}
