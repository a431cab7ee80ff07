// Package sqldump serializes MySQL tables to portable SQL text and splits
// such text back into statements.
package sqldump

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Queryer is satisfied by *sql.DB, *sql.Conn and *sql.Tx
type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Exporter writes one table at a time
type Exporter struct{}

// NewExporter creates a table exporter
func NewExporter() *Exporter {
	return &Exporter{}
}

// QuoteIdent quotes a MySQL identifier with backticks
func QuoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// ExportStructure returns a drop statement followed by the server's own
// create statement for table
func (e *Exporter) ExportStructure(ctx context.Context, q Queryer, table string) (string, error) {
	var name, create string
	if err := q.QueryRowContext(ctx, "SHOW CREATE TABLE "+QuoteIdent(table)).Scan(&name, &create); err != nil {
		return "", errors.Wrapf(err, "failed to read structure of %s", table)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "\n-- Table structure for %s\n", QuoteIdent(table))
	fmt.Fprintf(&b, "DROP TABLE IF EXISTS %s;\n", QuoteIdent(table))
	b.WriteString(create)
	b.WriteString(";\n\n")
	return b.String(), nil
}

// ExportData returns one multi-row INSERT covering every row of table, or an
// empty string when the table has no rows. Columns follow the result set order.
func (e *Exporter) ExportData(ctx context.Context, q Queryer, table string) (string, error) {
	rows, err := q.QueryContext(ctx, "SELECT * FROM "+QuoteIdent(table))
	if err != nil {
		return "", errors.Wrapf(err, "failed to read rows of %s", table)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return "", errors.Wrapf(err, "failed to read columns of %s", table)
	}

	raw := make([]sql.NullString, len(columns))
	dest := make([]interface{}, len(columns))
	for i := range raw {
		dest[i] = &raw[i]
	}

	var values strings.Builder
	count := 0
	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return "", errors.Wrapf(err, "failed to scan row of %s", table)
		}
		if count > 0 {
			values.WriteString(",\n")
		}
		values.WriteByte('(')
		for i, v := range raw {
			if i > 0 {
				values.WriteString(", ")
			}
			if !v.Valid {
				values.WriteString("NULL")
				continue
			}
			values.WriteByte('\'')
			values.WriteString(Escape(v.String))
			values.WriteByte('\'')
		}
		values.WriteByte(')')
		count++
	}
	if err := rows.Err(); err != nil {
		return "", errors.Wrapf(err, "failed to iterate rows of %s", table)
	}
	if count == 0 {
		return "", nil
	}

	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = QuoteIdent(c)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "-- Data for table %s\n", QuoteIdent(table))
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES\n", QuoteIdent(table), strings.Join(quoted, ", "))
	b.WriteString(values.String())
	b.WriteString(";\n\n")
	return b.String(), nil
}

// ExportTable is structure followed by data
func (e *Exporter) ExportTable(ctx context.Context, q Queryer, table string) (string, error) {
	structure, err := e.ExportStructure(ctx, q, table)
	if err != nil {
		return "", err
	}
	data, err := e.ExportData(ctx, q, table)
	if err != nil {
		return "", err
	}
	return structure + data, nil
}
