// Package restore replays backup archives into the live network.
package restore

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"regexp"

	"github.com/sirupsen/logrus"

	"github.com/supporttools/SiteGuard/pkg/apperrors"
	"github.com/supporttools/SiteGuard/pkg/metrics"
	"github.com/supporttools/SiteGuard/pkg/sqldump"
)

// Mode decides how restored tables meet existing ones
type Mode string

const (
	// ModeMerge keeps existing tables and rows and adds what is missing
	ModeMerge Mode = "merge"
	// ModeReplace drops and recreates every exported table
	ModeReplace Mode = "replace"
)

// ParseMode validates a mode name
func ParseMode(s string) (Mode, bool) {
	switch Mode(s) {
	case ModeMerge, ModeReplace:
		return Mode(s), true
	}
	return "", false
}

// Execer runs one statement
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

var (
	dropTable     = regexp.MustCompile(`(?is)^DROP\s+TABLE\b`)
	createTable   = regexp.MustCompile(`(?is)^CREATE\s+TABLE\s+`)
	createIfNot   = regexp.MustCompile(`(?is)^CREATE\s+TABLE\s+IF\s+NOT\s+EXISTS\b`)
	insertInto    = regexp.MustCompile(`(?is)^INSERT\s+INTO\s+`)
	insertIgnored = "INSERT IGNORE INTO "
)

// DatabaseRestorer executes exported SQL against the live database
type DatabaseRestorer struct {
	DB  Execer
	Log logrus.FieldLogger
}

// NewDatabaseRestorer creates a restorer
func NewDatabaseRestorer(db Execer, log logrus.FieldLogger) *DatabaseRestorer {
	return &DatabaseRestorer{DB: db, Log: log}
}

// Rewrite returns the statement to run in mode, and false when the
// statement is skipped
func Rewrite(stmt string, mode Mode) (string, bool) {
	if mode != ModeMerge {
		return stmt, true
	}
	switch {
	case dropTable.MatchString(stmt):
		return "", false
	case createTable.MatchString(stmt) && !createIfNot.MatchString(stmt):
		return createTable.ReplaceAllLiteralString(stmt, "CREATE TABLE IF NOT EXISTS "), true
	case insertInto.MatchString(stmt):
		return insertInto.ReplaceAllLiteralString(stmt, insertIgnored), true
	}
	return stmt, true
}

// Replay executes the statements read from r in order and returns how many
// ran. Statements are not wrapped in a transaction, so a failure leaves the
// earlier ones applied.
func (d *DatabaseRestorer) Replay(ctx context.Context, r io.Reader, mode Mode) (int, error) {
	scanner := sqldump.NewStatementScanner(r)
	index, executed := 0, 0
	for scanner.Scan() {
		index++
		stmt, ok := Rewrite(scanner.Statement(), mode)
		if !ok {
			continue
		}
		if _, err := d.DB.ExecContext(ctx, stmt); err != nil {
			if d.Log != nil {
				d.Log.WithError(err).WithField("statement", index).Error("SQL statement failed")
			}
			return executed, apperrors.Wrap(apperrors.IO, err, fmt.Sprintf("Database import failed at statement %d", index))
		}
		executed++
	}
	if err := scanner.Err(); err != nil {
		return executed, apperrors.Wrap(apperrors.IO, err, "Failed to read SQL file")
	}
	metrics.StatementsReplayed.WithLabelValues(string(mode)).Add(float64(executed))
	return executed, nil
}
