package mysql

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supporttools/SiteGuard/pkg/logging"
	"github.com/supporttools/SiteGuard/pkg/tenant"
)

func expectTable(mock sqlmock.Sqlmock, name string) {
	mock.ExpectQuery(regexp.QuoteMeta("SHOW CREATE TABLE `" + name + "`")).
		WillReturnRows(sqlmock.NewRows([]string{"Table", "Create Table"}).
			AddRow(name, "CREATE TABLE `"+name+"` (`id` int NOT NULL)"))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `" + name + "`")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
}

func expectTableList(mock sqlmock.Sqlmock, like string, names ...string) {
	rows := sqlmock.NewRows([]string{"table_name"})
	for _, n := range names {
		rows.AddRow(n)
	}
	mock.ExpectQuery("FROM information_schema.tables").WithArgs(like).WillReturnRows(rows)
}

func newTestEngine(t *testing.T) (*Engine, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	dir := tenant.StaticDirectory{
		{ID: 1, Domain: "example.com", Path: "/", Name: "Main"},
		{ID: 3, Domain: "example.com", Path: "/three/", Name: "Three"},
		{ID: 7, Domain: "example.com", Path: "/seven/", Name: "Seven"},
	}
	tc := tenant.New(dir, tenant.Layout{ContentDir: t.TempDir()}, "wp_")

	e := NewEngine(db, tc, logging.Discard())
	e.Now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	return e, mock
}

func TestExportSites(t *testing.T) {
	e, mock := newTestEngine(t)
	staging := t.TempDir()

	all := []string{"wp_3_options", "wp_3_posts", "wp_7_options", "wp_options", "wp_usermeta", "wp_users"}

	mock.ExpectBegin()
	expectTableList(mock, `wp\_%`, all...)
	expectTable(mock, "wp_options")
	expectTable(mock, "wp_usermeta")
	expectTable(mock, "wp_users")
	mock.ExpectCommit()

	mock.ExpectBegin()
	expectTableList(mock, `wp\_3\_%`, "wp_3_options", "wp_3_posts", "wp_3_users_extra")
	expectTable(mock, "wp_3_options")
	expectTable(mock, "wp_3_posts")
	mock.ExpectCommit()

	mock.ExpectBegin()
	expectTableList(mock, `wp\_7\_%`, "wp_7_options")
	expectTable(mock, "wp_7_options")
	mock.ExpectCommit()

	mock.ExpectBegin()
	expectTableList(mock, `wp\_%`, all...)
	expectTable(mock, "wp_usermeta")
	expectTable(mock, "wp_users")
	mock.ExpectCommit()

	total, err := e.Export(context.Background(), []int64{1, 3, 7}, staging)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, 0, e.Tenants.Depth())

	var sum int64
	for _, name := range []string{"main_site.sql", "site_3.sql", "site_7.sql", "users.sql"} {
		info, err := os.Stat(filepath.Join(staging, "database", name))
		require.NoError(t, err, name)
		sum += info.Size()
	}
	assert.Equal(t, sum, total)

	main, err := os.ReadFile(filepath.Join(staging, "database", "main_site.sql"))
	require.NoError(t, err)
	assert.Contains(t, string(main), "-- Site ID: 1\n")
	assert.Contains(t, string(main), "-- Date: 2024-05-01 12:00:00\n")
	assert.Contains(t, string(main), "DROP TABLE IF EXISTS `wp_options`;")
	assert.NotContains(t, string(main), "wp_3_posts")

	site3, err := os.ReadFile(filepath.Join(staging, "database", "site_3.sql"))
	require.NoError(t, err)
	assert.Contains(t, string(site3), "INSERT INTO `wp_3_posts` (`id`) VALUES\n('1');")
	assert.NotContains(t, string(site3), "wp_3_users_extra")
}

func TestExportFailureRestoresScope(t *testing.T) {
	e, mock := newTestEngine(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FROM information_schema.tables").WillReturnError(assert.AnError)
	mock.ExpectRollback()

	_, err := e.Export(context.Background(), []int64{3}, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "site 3")
	assert.Equal(t, 0, e.Tenants.Depth())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFileName(t *testing.T) {
	assert.Equal(t, "main_site.sql", FileName(1))
	assert.Equal(t, "site_12.sql", FileName(12))
}

func TestLikePrefix(t *testing.T) {
	assert.Equal(t, `wp\_12\_%`, likePrefix("wp_12_"))
	assert.Equal(t, `my\%db\_%`, likePrefix("my%db_"))
}
