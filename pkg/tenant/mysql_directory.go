package tenant

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
)

// mysqlErrNoSuchTable is ER_NO_SUCH_TABLE
const mysqlErrNoSuchTable = 1146

// MySQLDirectory reads the site registry straight from the network database
type MySQLDirectory struct {
	DB         *sql.DB
	BasePrefix string
}

// NewMySQLDirectory creates a directory over the blogs table
func NewMySQLDirectory(db *sql.DB, basePrefix string) *MySQLDirectory {
	return &MySQLDirectory{DB: db, BasePrefix: basePrefix}
}

// ListTenants implements Directory. A single-site install without a blogs
// table is reported as the primary site alone.
func (d *MySQLDirectory) ListTenants(ctx context.Context) ([]Tenant, error) {
	query := fmt.Sprintf("SELECT blog_id, domain, path FROM `%sblogs` WHERE deleted = 0 ORDER BY blog_id", d.BasePrefix)
	rows, err := d.DB.QueryContext(ctx, query)
	if err != nil {
		var myErr *mysql.MySQLError
		if errors.As(err, &myErr) && myErr.Number == mysqlErrNoSuchTable {
			return d.singleSite(ctx)
		}
		return nil, errors.Wrap(err, "failed to query site registry")
	}

	var tenants []Tenant
	for rows.Next() {
		var t Tenant
		if err := rows.Scan(&t.ID, &t.Domain, &t.Path); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "failed to scan site row")
		}
		tenants = append(tenants, t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, errors.Wrap(err, "failed to read site registry")
	}
	rows.Close()

	for i := range tenants {
		tenants[i].Name = d.siteName(ctx, tenants[i])
	}
	return tenants, nil
}

func (d *MySQLDirectory) singleSite(ctx context.Context) ([]Tenant, error) {
	t := Tenant{ID: PrimaryID, Path: "/"}
	t.Name = d.siteName(ctx, t)
	return []Tenant{t}, nil
}

// siteName reads the blogname option, falling back to the site address
func (d *MySQLDirectory) siteName(ctx context.Context, t Tenant) string {
	query := fmt.Sprintf("SELECT option_value FROM `%soptions` WHERE option_name = 'blogname'", TablePrefix(d.BasePrefix, t.ID))
	var name string
	if err := d.DB.QueryRowContext(ctx, query).Scan(&name); err != nil || name == "" {
		return t.URL()
	}
	return name
}
