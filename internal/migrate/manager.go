// Package migrate applies the SQL under ops/migrations: numbered
// NNNN_name.up.sql / NNNN_name.down.sql pairs in sql/, idempotent one-shot
// fixtures in seeds/. Bookkeeping lives in the target database so every
// environment knows exactly which versions it carries.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	migrationsTable = "schema_migrations"
	seedsTable      = "schema_seeds"

	upSuffix   = ".up.sql"
	downSuffix = ".down.sql"
)

// Migration is one numbered up/down pair on disk.
type Migration struct {
	Version  int
	Name     string
	UpPath   string
	DownPath string // empty when no rollback file exists
}

// State is one row of migration bookkeeping, surfaced by Status.
type State struct {
	Version   int
	Name      string
	AppliedAt time.Time // zero for pending versions
	Applied   bool
}

// Runner drives migrations and seeds against one database.
type Runner struct {
	db       *sql.DB
	sqlDir   string
	seedsDir string
}

// NewRunner wires a runner over the given directories. Directories are read
// lazily, so a missing seeds dir only fails the seed command.
func NewRunner(db *sql.DB, sqlDir, seedsDir string) *Runner {
	return &Runner{db: db, sqlDir: sqlDir, seedsDir: seedsDir}
}

// Up applies every pending migration in version order, each in its own
// transaction, recording the version as it lands.
func (r *Runner) Up(ctx context.Context) (int, error) {
	if err := r.ensureTables(ctx); err != nil {
		return 0, err
	}
	migs, err := LoadDir(r.sqlDir)
	if err != nil {
		return 0, err
	}
	applied, err := r.appliedVersions(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, mig := range migs {
		if _, done := applied[mig.Version]; done {
			continue
		}
		if err := r.execFile(ctx, mig.UpPath); err != nil {
			return n, fmt.Errorf("migrate: apply %04d_%s: %w", mig.Version, mig.Name, err)
		}
		if _, err := r.db.ExecContext(ctx,
			`insert into `+migrationsTable+` (version, name, applied_at) values ($1, $2, $3)`,
			mig.Version, mig.Name, time.Now().UTC()); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Down rolls back the highest applied version. It refuses to run when that
// version has no .down.sql on disk.
func (r *Runner) Down(ctx context.Context) (Migration, error) {
	if err := r.ensureTables(ctx); err != nil {
		return Migration{}, err
	}
	migs, err := LoadDir(r.sqlDir)
	if err != nil {
		return Migration{}, err
	}
	applied, err := r.appliedVersions(ctx)
	if err != nil {
		return Migration{}, err
	}
	top := -1
	for v := range applied {
		if v > top {
			top = v
		}
	}
	if top < 0 {
		return Migration{}, errors.New("migrate: nothing applied")
	}
	var target Migration
	found := false
	for _, mig := range migs {
		if mig.Version == top {
			target, found = mig, true
			break
		}
	}
	if !found {
		return Migration{}, fmt.Errorf("migrate: applied version %d has no file on disk", top)
	}
	if target.DownPath == "" {
		return Migration{}, fmt.Errorf("migrate: version %04d_%s has no down migration", target.Version, target.Name)
	}
	if err := r.execFile(ctx, target.DownPath); err != nil {
		return Migration{}, fmt.Errorf("migrate: roll back %04d_%s: %w", target.Version, target.Name, err)
	}
	if _, err := r.db.ExecContext(ctx,
		`delete from `+migrationsTable+` where version = $1`, target.Version); err != nil {
		return Migration{}, err
	}
	return target, nil
}

// Status reports every on-disk version with its applied timestamp, pending
// versions last the way Up would run them.
func (r *Runner) Status(ctx context.Context) ([]State, error) {
	if err := r.ensureTables(ctx); err != nil {
		return nil, err
	}
	migs, err := LoadDir(r.sqlDir)
	if err != nil {
		return nil, err
	}
	applied, err := r.appliedVersions(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]State, 0, len(migs))
	for _, mig := range migs {
		st := State{Version: mig.Version, Name: mig.Name}
		if at, ok := applied[mig.Version]; ok {
			st.Applied = true
			st.AppliedAt = at
		}
		out = append(out, st)
	}
	return out, nil
}

// Seed applies every .sql fixture in the seeds dir exactly once, tracked by
// file name. Seeds never run down.
func (r *Runner) Seed(ctx context.Context) (int, error) {
	if err := r.ensureTables(ctx); err != nil {
		return 0, err
	}
	entries, err := os.ReadDir(r.seedsDir)
	if err != nil {
		return 0, fmt.Errorf("migrate: read seeds dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	n := 0
	for _, name := range names {
		var exists bool
		err := r.db.QueryRowContext(ctx,
			`select exists (select 1 from `+seedsTable+` where name = $1)`, name).Scan(&exists)
		if err != nil {
			return n, err
		}
		if exists {
			continue
		}
		if err := r.execFile(ctx, filepath.Join(r.seedsDir, name)); err != nil {
			return n, fmt.Errorf("migrate: apply seed %s: %w", name, err)
		}
		if _, err := r.db.ExecContext(ctx,
			`insert into `+seedsTable+` (name, applied_at) values ($1, $2)`,
			name, time.Now().UTC()); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (r *Runner) ensureTables(ctx context.Context) error {
	for _, ddl := range []string{
		`create table if not exists ` + migrationsTable + ` (
			version    integer primary key,
			name       text not null,
			applied_at timestamptz not null
		)`,
		`create table if not exists ` + seedsTable + ` (
			name       text primary key,
			applied_at timestamptz not null
		)`,
	} {
		if _, err := r.db.ExecContext(ctx, ddl); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) appliedVersions(ctx context.Context) (map[int]time.Time, error) {
	rows, err := r.db.QueryContext(ctx, `select version, applied_at from `+migrationsTable)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[int]time.Time)
	for rows.Next() {
		var v int
		var at time.Time
		if err := rows.Scan(&v, &at); err != nil {
			return nil, err
		}
		out[v] = at
	}
	return out, rows.Err()
}

// execFile runs one SQL file inside a single transaction so a half-applied
// migration never sticks.
func (r *Runner) execFile(ctx context.Context, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range SplitStatements(string(raw)) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// LoadDir reads a migrations dir and pairs NNNN_name.up.sql files with their
// .down.sql counterparts. Duplicate versions and unnumbered .up.sql files are
// errors; stray files are ignored.
func LoadDir(dir string) ([]Migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("migrate: read sql dir: %w", err)
	}
	byVersion := make(map[int]*Migration)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		var suffix string
		switch {
		case strings.HasSuffix(name, upSuffix):
			suffix = upSuffix
		case strings.HasSuffix(name, downSuffix):
			suffix = downSuffix
		default:
			continue
		}
		version, base, err := parseName(strings.TrimSuffix(name, suffix))
		if err != nil {
			if suffix == downSuffix {
				continue
			}
			return nil, fmt.Errorf("migrate: %s: %w", name, err)
		}
		mig := byVersion[version]
		if mig == nil {
			mig = &Migration{Version: version, Name: base}
			byVersion[version] = mig
		}
		if mig.Name != base {
			return nil, fmt.Errorf("migrate: version %04d names disagree: %q vs %q", version, mig.Name, base)
		}
		path := filepath.Join(dir, name)
		if suffix == upSuffix {
			if mig.UpPath != "" {
				return nil, fmt.Errorf("migrate: duplicate version %04d", version)
			}
			mig.UpPath = path
		} else {
			mig.DownPath = path
		}
	}
	out := make([]Migration, 0, len(byVersion))
	for _, mig := range byVersion {
		if mig.UpPath == "" {
			return nil, fmt.Errorf("migrate: version %04d has a down file but no up file", mig.Version)
		}
		out = append(out, *mig)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// parseName splits "0001_grants" into (1, "grants").
func parseName(stem string) (int, string, error) {
	num, rest, ok := strings.Cut(stem, "_")
	if !ok || rest == "" {
		return 0, "", errors.New("want NNNN_name")
	}
	version, err := strconv.Atoi(num)
	if err != nil || version < 0 {
		return 0, "", errors.New("want numeric version prefix")
	}
	return version, rest, nil
}

// SplitStatements cuts a SQL file into executable statements on semicolons,
// respecting single-quoted strings and dropping line comments. Good enough
// for this repo's DDL and fixtures; dollar-quoted bodies are not handled.
func SplitStatements(sql string) []string {
	var stmts []string
	var cur strings.Builder
	inString := false
	lines := strings.Split(sql, "\n")
	for _, line := range lines {
		if !inString {
			if idx := strings.Index(line, "--"); idx >= 0 && !strings.Contains(line[:idx], "'") {
				line = line[:idx]
			}
		}
		for _, r := range line {
			switch r {
			case '\'':
				inString = !inString
				cur.WriteRune(r)
			case ';':
				cur.WriteRune(r)
				if !inString {
					if s := strings.TrimSpace(cur.String()); s != "" {
						stmts = append(stmts, s)
					}
					cur.Reset()
				}
			default:
				cur.WriteRune(r)
			}
		}
		cur.WriteByte('\n')
	}
	if s := strings.TrimSpace(cur.String()); s != "" {
		stmts = append(stmts, s)
	}
	return stmts
}
