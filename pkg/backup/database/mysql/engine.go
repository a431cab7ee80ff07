// Package mysql exports the per-site tables of a multisite network
package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/supporttools/SiteGuard/pkg/sqldump"
	"github.com/supporttools/SiteGuard/pkg/tenant"
)

// UsersFile holds the network-wide identity tables
const UsersFile = "users.sql"

const tablesQuery = "SELECT table_name FROM information_schema.tables " +
	"WHERE table_schema = DATABASE() AND table_type = 'BASE TABLE' AND table_name LIKE ? ORDER BY table_name"

// FileName is the export file of one site inside database/
func FileName(id int64) string {
	if id == tenant.PrimaryID {
		return "main_site.sql"
	}
	return fmt.Sprintf("site_%d.sql", id)
}

// Engine writes one SQL file per site plus the shared users file
type Engine struct {
	DB       *sql.DB
	Tenants  *tenant.Context
	Exporter *sqldump.Exporter
	Log      logrus.FieldLogger
	Now      func() time.Time
}

// NewEngine creates an export engine
func NewEngine(db *sql.DB, tenants *tenant.Context, log logrus.FieldLogger) *Engine {
	return &Engine{
		DB:       db,
		Tenants:  tenants,
		Exporter: sqldump.NewExporter(),
		Log:      log,
		Now:      time.Now,
	}
}

// Export writes database/<file> for every id and database/users.sql under
// stagingDir and returns the bytes written
func (e *Engine) Export(ctx context.Context, ids []int64, stagingDir string) (int64, error) {
	dir := filepath.Join(stagingDir, "database")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, errors.Wrap(err, "failed to create database directory")
	}

	var total int64
	for _, id := range ids {
		err := e.Tenants.WithTenant(ctx, id, func(ctx context.Context, scope tenant.Scope) error {
			n, err := e.exportSite(ctx, scope, dir)
			total += n
			return err
		})
		if err != nil {
			return total, errors.Wrapf(err, "export of site %d failed", id)
		}
	}

	err := e.Tenants.WithTenant(ctx, tenant.PrimaryID, func(ctx context.Context, scope tenant.Scope) error {
		n, err := e.exportUsers(ctx, scope, dir)
		total += n
		return err
	})
	if err != nil {
		return total, errors.Wrap(err, "export of shared user tables failed")
	}
	return total, nil
}

func (e *Engine) exportSite(ctx context.Context, scope tenant.Scope, dir string) (int64, error) {
	var out strings.Builder
	fmt.Fprintf(&out, "-- Multisite database backup\n")
	fmt.Fprintf(&out, "-- Site ID: %d\n", scope.Tenant.ID)
	fmt.Fprintf(&out, "-- Site: %s (%s)\n", scope.Tenant.Name, scope.Tenant.URL())
	fmt.Fprintf(&out, "-- Date: %s\n\n", e.Now().Format("2006-01-02 15:04:05"))

	count := 0
	err := e.readOnly(ctx, func(tx *sql.Tx) error {
		tables, err := e.siteTables(ctx, tx, scope)
		if err != nil {
			return err
		}
		for _, table := range tables {
			sqlText, err := e.Exporter.ExportTable(ctx, tx, table)
			if err != nil {
				return err
			}
			out.WriteString(sqlText)
		}
		count = len(tables)
		return nil
	})
	if err != nil {
		return 0, err
	}

	e.Log.WithFields(logrus.Fields{"site": scope.Tenant.ID, "tables": count}).Debug("Exported site tables")
	return writeFile(filepath.Join(dir, FileName(scope.Tenant.ID)), out.String())
}

func (e *Engine) exportUsers(ctx context.Context, scope tenant.Scope, dir string) (int64, error) {
	var out strings.Builder
	fmt.Fprintf(&out, "-- Multisite shared user tables\n")
	fmt.Fprintf(&out, "-- Date: %s\n\n", e.Now().Format("2006-01-02 15:04:05"))

	shared := map[string]bool{
		scope.BasePrefix + "users":    true,
		scope.BasePrefix + "usermeta": true,
	}
	err := e.readOnly(ctx, func(tx *sql.Tx) error {
		tables, err := e.listTables(ctx, tx, scope.BasePrefix)
		if err != nil {
			return err
		}
		for _, table := range tables {
			if !shared[table] {
				continue
			}
			sqlText, err := e.Exporter.ExportTable(ctx, tx, table)
			if err != nil {
				return err
			}
			out.WriteString(sqlText)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return writeFile(filepath.Join(dir, UsersFile), out.String())
}

// readOnly runs fn in a repeatable-read transaction so every table of a site
// is read from the same snapshot
func (e *Engine) readOnly(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return errors.Wrap(err, "failed to start snapshot")
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// siteTables lists the tables owned by one site. The primary site's prefix
// is also a prefix of every other site's tables, so numbered tables are
// excluded there. Other sites never export the shared identity tables.
func (e *Engine) siteTables(ctx context.Context, q sqldump.Queryer, scope tenant.Scope) ([]string, error) {
	tables, err := e.listTables(ctx, q, scope.TablePrefix)
	if err != nil {
		return nil, err
	}

	var numbered *regexp.Regexp
	if scope.IsPrimary() {
		numbered = regexp.MustCompile("^" + regexp.QuoteMeta(scope.BasePrefix) + `[0-9]+_`)
	}

	out := tables[:0]
	for _, t := range tables {
		if numbered != nil && numbered.MatchString(t) {
			continue
		}
		if !scope.IsPrimary() && (strings.Contains(t, "users") || strings.Contains(t, "usermeta")) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (e *Engine) listTables(ctx context.Context, q sqldump.Queryer, prefix string) ([]string, error) {
	rows, err := q.QueryContext(ctx, tablesQuery, likePrefix(prefix))
	if err != nil {
		return nil, errors.Wrap(err, "failed to list tables")
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errors.Wrap(err, "failed to scan table name")
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to list tables")
	}
	return tables, nil
}

// likePrefix escapes LIKE wildcards in prefix and appends %
func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `_`, `\_`, `%`, `\%`)
	return r.Replace(prefix) + "%"
}

func writeFile(path, content string) (int64, error) {
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return 0, errors.Wrapf(err, "failed to write %s", filepath.Base(path))
	}
	return int64(len(content)), nil
}
