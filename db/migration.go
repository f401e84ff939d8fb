package db

import (
	"database/sql"
	"fmt"
	"regexp"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"
	"github.com/pkg/errors"
)

const migrationTableDDLTmpl = `
	create table if not exists %s (version int not null, time timestamptz not null)
`

var migrationNameRegexp = regexp.MustCompile(`^[a-z0-9_]{1,40}$`)

// Migration is a group of statements applied atomically.
type Migration struct {
	Description string
	Stmts       []string
}

// Migrate brings the schema owned by name to the last of migrations. Every
// migration runs in the transaction recording its version in the
// pgcoord_migration_<name> table.
func (db *DB) Migrate(name string, migrations []Migration) error {
	if !migrationNameRegexp.MatchString(name) {
		return errors.Errorf("invalid migration name %q", name)
	}
	table := pq.QuoteIdentifier("pgcoord_migration_" + name)

	err := db.Do(func(tx *WrappedTx) error {
		_, err := tx.Exec(fmt.Sprintf(migrationTableDDLTmpl, table))
		return err
	})
	if err != nil {
		return errors.Wrapf(err, "failed to create migration table for %q", name)
	}

	for {
		version := 0
		err := db.Do(func(tx *WrappedTx) error {
			cur, err := schemaVersion(tx, table)
			if err != nil {
				return err
			}
			if cur >= len(migrations) {
				return nil
			}
			version = cur + 1
			return applyMigration(tx, table, version, migrations[cur])
		})
		if err != nil {
			return err
		}
		if version == 0 {
			return nil
		}
		if d := migrations[version-1].Description; d != "" {
			log.Infof("%s schema at version %d: %s", name, version, d)
		} else {
			log.Infof("%s schema at version %d", name, version)
		}
	}
}

func schemaVersion(tx *WrappedTx, table string) (int, error) {
	q, args, err := sq.Select("max(version)").From(table).ToSql()
	if err != nil {
		return 0, err
	}
	var version sql.NullInt64
	if err := tx.QueryRow(q, args...).Scan(&version); err != nil {
		return 0, errors.Wrap(err, "cannot get current schema version")
	}
	return int(version.Int64), nil
}

func applyMigration(tx *WrappedTx, table string, version int, m Migration) error {
	for i, stmt := range m.Stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return errors.Wrapf(err, "migration %d statement %d failed", version, i+1)
		}
	}
	q, args, err := sq.Insert(table).
		Columns("version", "time").
		Values(version, sq.Expr("now()")).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(q, args...); err != nil {
		return errors.Wrapf(err, "failed to record schema version %d", version)
	}
	return nil
}
