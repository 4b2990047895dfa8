package sqlstore

import (
	"bufio"
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"SparkLLM-Demo/deploy/migrations"
)

var embeddedMigrations fs.FS = migrations.Files

const createVersionTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
    version VARCHAR(32) NOT NULL PRIMARY KEY,
    applied_at BIGINT NOT NULL
)`

// migration 是一个版本的全部语句。文件名形如 0001_name.sql，版本取下划线前的部分。
type migration struct {
	version    string
	file       string
	statements []string
}

// runMigrations 依版本顺序执行 source 中尚未记录在 schema_migrations 的脚本，
// 每个版本在独立事务中执行。
func runMigrations(ctx context.Context, db *sql.DB, source fs.FS) error {
	if _, err := db.ExecContext(ctx, createVersionTable); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	all, err := readMigrations(source)
	if err != nil {
		return err
	}
	done, err := appliedVersions(ctx, db)
	if err != nil {
		return err
	}
	for _, m := range all {
		if done[m.version] {
			continue
		}
		if err := m.apply(ctx, db); err != nil {
			return err
		}
	}
	return nil
}

func appliedVersions(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("query schema_migrations: %w", err)
	}
	defer rows.Close()

	done := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan schema_migrations: %w", err)
		}
		done[v] = true
	}
	return done, rows.Err()
}

func (m migration) apply(ctx context.Context, db *sql.DB) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %s: %w", m.file, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for i, stmt := range m.statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %s statement %d: %w", m.file, i+1, err)
		}
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
		m.version, time.Now().Unix()); err != nil {
		return fmt.Errorf("record migration %s: %w", m.version, err)
	}
	return tx.Commit()
}

func readMigrations(source fs.FS) ([]migration, error) {
	names, err := fs.Glob(source, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	out := make([]migration, 0, len(names))
	for _, name := range names {
		data, err := fs.ReadFile(source, name)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, err)
		}
		stmts := splitSQLStatements(string(data))
		if len(stmts) == 0 {
			continue
		}
		out = append(out, migration{version: parseMigrationVersion(name), file: name, statements: stmts})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// splitSQLStatements 去掉 -- 注释行后按分号切分。
func splitSQLStatements(content string) []string {
	var body strings.Builder
	sc := bufio.NewScanner(strings.NewReader(content))
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		body.WriteString(line)
		body.WriteByte('\n')
	}

	var stmts []string
	for _, part := range strings.Split(body.String(), ";") {
		if s := strings.TrimSpace(part); s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts
}

func parseMigrationVersion(name string) string {
	base := strings.TrimSuffix(path.Base(name), path.Ext(name))
	if v, _, ok := strings.Cut(base, "_"); ok && v != "" {
		return v
	}
	return base
}
