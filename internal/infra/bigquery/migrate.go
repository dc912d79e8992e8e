package bigquery

import (
	"context"
	"crypto/sha256"
	"embed"
	"fmt"
	"io/fs"
	"regexp"
	"strconv"
	"strings"

	"cloud.google.com/go/bigquery"
	"github.com/dvloznov/finance-ingest/internal/logger"
	"golang.org/x/exp/slices"
	"google.golang.org/api/iterator"
)

//go:embed migrations/*.sql
var embedded embed.FS

// Migrations returns the schema migrations shipped with the binary.
func Migrations() fs.FS {
	sub, err := fs.Sub(embedded, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

const migrationsTable = "schema_migrations"

// Pattern to match migration files: 0001_name.sql
var migrationPattern = regexp.MustCompile(`^(\d{4})_(.+)\.sql$`)

// Migration is a single migration file.
type Migration struct {
	Version  int
	Name     string
	Filename string
	SQL      string
	Checksum string
}

// ReadMigrations reads migration files from the root of fsys, substitutes
// the {{PROJECT_ID}} and {{DATASET_ID}} placeholders and returns them
// ordered by version. Files not matching NNNN_name.sql are skipped.
//
// The checksum is taken over the file before substitution so the same
// migration applied to different datasets has the same checksum.
func ReadMigrations(fsys fs.FS, projectID, datasetID string) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("ReadMigrations: reading directory: %w", err)
	}

	var migrations []Migration
	seen := make(map[int]string)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := migrationPattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		version, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if prev, ok := seen[version]; ok {
			return nil, fmt.Errorf("ReadMigrations: version %04d used by %s and %s", version, prev, e.Name())
		}
		seen[version] = e.Name()

		content, err := fs.ReadFile(fsys, e.Name())
		if err != nil {
			return nil, fmt.Errorf("ReadMigrations: reading %s: %w", e.Name(), err)
		}
		sql := strings.ReplaceAll(string(content), "{{PROJECT_ID}}", projectID)
		sql = strings.ReplaceAll(sql, "{{DATASET_ID}}", datasetID)

		migrations = append(migrations, Migration{
			Version:  version,
			Name:     m[2],
			Filename: e.Name(),
			SQL:      sql,
			Checksum: fmt.Sprintf("%x", sha256.Sum256(content)),
		})
	}

	slices.SortFunc(migrations, func(a, b Migration) int { return a.Version - b.Version })
	return migrations, nil
}

// Migrator applies pending migrations to a dataset and records them in
// the schema_migrations table.
type Migrator struct {
	client    *bigquery.Client
	projectID string
	datasetID string
	appliedBy string
}

// NewMigrator returns a migrator. appliedBy is stored with each applied
// version.
func NewMigrator(client *bigquery.Client, projectID, datasetID, appliedBy string) *Migrator {
	return &Migrator{client: client, projectID: projectID, datasetID: datasetID, appliedBy: appliedBy}
}

// Apply runs every migration in fsys whose version is not yet recorded and
// returns how many were applied. It stops at the first failure.
func (m *Migrator) Apply(ctx context.Context, fsys fs.FS) (int, error) {
	log := logger.FromContext(ctx)

	if err := m.ensureMigrationsTable(ctx); err != nil {
		return 0, fmt.Errorf("Apply: %w", err)
	}
	migrations, err := ReadMigrations(fsys, m.projectID, m.datasetID)
	if err != nil {
		return 0, fmt.Errorf("Apply: %w", err)
	}
	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return 0, fmt.Errorf("Apply: %w", err)
	}

	count := 0
	for _, mig := range Pending(migrations, applied) {
		log.Info().Int("version", mig.Version).Str("name", mig.Name).Msg("applying migration")
		if err := m.exec(ctx, mig.SQL, nil); err != nil {
			return count, fmt.Errorf("Apply: migration %04d_%s: %w", mig.Version, mig.Name, err)
		}
		if err := m.record(ctx, mig); err != nil {
			return count, fmt.Errorf("Apply: recording %04d_%s: %w", mig.Version, mig.Name, err)
		}
		count++
	}
	log.Info().Int("applied", count).Int("known", len(migrations)).Msg("migrations complete")
	return count, nil
}

// Pending returns the migrations whose versions are not in applied,
// keeping their order.
func Pending(migrations []Migration, applied map[int]bool) []Migration {
	var out []Migration
	for _, mig := range migrations {
		if !applied[mig.Version] {
			out = append(out, mig)
		}
	}
	return out
}

func (m *Migrator) ensureMigrationsTable(ctx context.Context) error {
	sql := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			version    INT64 NOT NULL,
			name       STRING NOT NULL,
			applied_at TIMESTAMP NOT NULL,
			checksum   STRING,
			applied_by STRING
		)
	`, tableRef(m.projectID, m.datasetID, migrationsTable))
	if err := m.exec(ctx, sql, nil); err != nil {
		return fmt.Errorf("ensureMigrationsTable: %w", err)
	}
	return nil
}

func (m *Migrator) appliedVersions(ctx context.Context) (map[int]bool, error) {
	q := m.client.Query(fmt.Sprintf(
		"SELECT version FROM %s ORDER BY version",
		tableRef(m.projectID, m.datasetID, migrationsTable),
	))
	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("appliedVersions: reading: %w", err)
	}

	applied := make(map[int]bool)
	for {
		var row struct {
			Version int64 `bigquery:"version"`
		}
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("appliedVersions: iterating: %w", err)
		}
		applied[int(row.Version)] = true
	}
	return applied, nil
}

func (m *Migrator) record(ctx context.Context, mig Migration) error {
	sql := fmt.Sprintf(`
		INSERT INTO %s (version, name, applied_at, checksum, applied_by)
		VALUES (@version, @name, CURRENT_TIMESTAMP(), @checksum, @applied_by)
	`, tableRef(m.projectID, m.datasetID, migrationsTable))
	return m.exec(ctx, sql, []bigquery.QueryParameter{
		{Name: "version", Value: mig.Version},
		{Name: "name", Value: mig.Name},
		{Name: "checksum", Value: mig.Checksum},
		{Name: "applied_by", Value: m.appliedBy},
	})
}

func (m *Migrator) exec(ctx context.Context, sql string, params []bigquery.QueryParameter) error {
	q := m.client.Query(sql)
	q.Parameters = params
	job, err := q.Run(ctx)
	if err != nil {
		return fmt.Errorf("running query: %w", err)
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return fmt.Errorf("waiting for job: %w", err)
	}
	if err := status.Err(); err != nil {
		return fmt.Errorf("job error: %w", err)
	}
	return nil
}
