//go:build integration

package migrations_test

import (
	"context"
	"os"
	"testing"
	"testing/fstest"

	"github.com/ordinaut/ordinaut/internal/migrations"
	"github.com/ordinaut/ordinaut/internal/testutil"
)

var sharedPG *testutil.PGContainer

func TestMain(m *testing.M) {
	ctx := context.Background()
	pg, cleanup := testutil.StartPostgresForTestMain(ctx)
	sharedPG = pg
	code := m.Run()
	cleanup()
	os.Exit(code)
}

// resetDB drops and recreates the public schema for test isolation.
func resetDB(t *testing.T, ctx context.Context) {
	t.Helper()
	_, err := sharedPG.Pool.Exec(ctx, "DROP SCHEMA public CASCADE; CREATE SCHEMA public")
	if err != nil {
		t.Fatalf("resetting schema: %v", err)
	}
}

func TestBootstrap(t *testing.T) {
	ctx := context.Background()
	resetDB(t, ctx)

	runner := migrations.NewRunner(sharedPG.Pool, testutil.DiscardLogger())

	err := runner.Bootstrap(ctx)
	testutil.NoError(t, err)

	var exists bool
	err = sharedPG.Pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM information_schema.tables WHERE table_name = '_ordinaut_migrations')").
		Scan(&exists)
	testutil.NoError(t, err)
	testutil.True(t, exists, "_ordinaut_migrations table should exist")

	// Bootstrap twice should not error.
	err = runner.Bootstrap(ctx)
	testutil.NoError(t, err)
}

func TestRunMigrations(t *testing.T) {
	ctx := context.Background()
	resetDB(t, ctx)

	runner := migrations.NewRunner(sharedPG.Pool, testutil.DiscardLogger())
	err := runner.Bootstrap(ctx)
	testutil.NoError(t, err)

	applied, err := runner.Run(ctx)
	testutil.NoError(t, err)
	testutil.True(t, applied >= 5, "should apply the core migrations, applied %d", applied)

	for _, table := range []string{"agent", "task", "due_work", "task_run", "audit_log"} {
		var exists bool
		err = sharedPG.Pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM information_schema.tables WHERE table_name = $1)", table).
			Scan(&exists)
		testutil.NoError(t, err)
		testutil.True(t, exists, "table %s should exist", table)
	}

	// The system agent is seeded.
	var name string
	err = sharedPG.Pool.QueryRow(ctx,
		"SELECT name FROM agent WHERE id = '00000000-0000-0000-0000-000000000001'").
		Scan(&name)
	testutil.NoError(t, err)
	testutil.Equal(t, "system", name)
}

func TestRunMigrationsIdempotent(t *testing.T) {
	ctx := context.Background()
	resetDB(t, ctx)

	runner := migrations.NewRunner(sharedPG.Pool, testutil.DiscardLogger())
	err := runner.Bootstrap(ctx)
	testutil.NoError(t, err)

	applied1, err := runner.Run(ctx)
	testutil.NoError(t, err)
	testutil.True(t, applied1 >= 1, "first run should apply migrations")

	applied2, err := runner.Run(ctx)
	testutil.NoError(t, err)
	testutil.Equal(t, 0, applied2)
}

func TestGetApplied(t *testing.T) {
	ctx := context.Background()
	resetDB(t, ctx)

	runner := migrations.NewRunner(sharedPG.Pool, testutil.DiscardLogger())
	testutil.NoError(t, runner.Bootstrap(ctx))

	before, err := runner.GetApplied(ctx)
	testutil.NoError(t, err)
	testutil.SliceLen(t, before, 0)

	applied, err := runner.Run(ctx)
	testutil.NoError(t, err)

	after, err := runner.GetApplied(ctx)
	testutil.NoError(t, err)
	testutil.SliceLen(t, after, applied)
	testutil.Equal(t, "001_agent.sql", after[0].Name)
}

func TestFailedMigrationRollsBack(t *testing.T) {
	ctx := context.Background()
	resetDB(t, ctx)

	fsys := fstest.MapFS{
		"sql/001_good.sql": {Data: []byte(`CREATE TABLE migration_marker (id INT)`)},
		"sql/002_bad.sql": {Data: []byte(
			`CREATE TABLE migration_marker_two (id INT);
			 THIS IS NOT SQL;`)},
	}
	runner := migrations.NewRunnerWithFS(sharedPG.Pool, testutil.DiscardLogger(), fsys)
	testutil.NoError(t, runner.Bootstrap(ctx))

	applied, err := runner.Run(ctx)
	testutil.Equal(t, 1, applied)
	testutil.ErrorContains(t, err, "002_bad.sql")

	// The failing file's partial work must not survive.
	var exists bool
	qerr := sharedPG.Pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM information_schema.tables WHERE table_name = 'migration_marker_two')").
		Scan(&exists)
	testutil.NoError(t, qerr)
	testutil.False(t, exists, "failed migration should roll back entirely")

	// The good file stays applied and is not re-run.
	got, gerr := runner.GetApplied(ctx)
	testutil.NoError(t, gerr)
	testutil.SliceLen(t, got, 1)
	testutil.Equal(t, "001_good.sql", got[0].Name)
}
