package postgres

import (
	"context"
	"crypto/rand"
	stdsql "database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	sharedDSN     string
	containerOnce sync.Once
	containerErr  error
)

// newTestStore starts (once per package) a shared postgres testcontainer,
// creates a fresh schema for this test, applies migrations into it, and
// returns a Store whose pool is pinned to that schema via search_path.
// Mirrors the teacher's test/util.SetupTestDatabase isolation scheme.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	containerOnce.Do(func() {
		c, err := tcpostgres.Run(ctx,
			"postgres:17-alpine",
			tcpostgres.WithDatabase("flowgate_test"),
			tcpostgres.WithUsername("flowgate"),
			tcpostgres.WithPassword("flowgate"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		if err != nil {
			containerErr = fmt.Errorf("starting postgres container: %w", err)
			return
		}
		connStr, err := c.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			containerErr = fmt.Errorf("getting connection string: %w", err)
			return
		}
		sharedDSN = connStr
	})
	require.NoError(t, containerErr)

	schema := testSchemaName(t)

	admin, err := stdsql.Open("pgx", sharedDSN)
	require.NoError(t, err)
	_, err = admin.ExecContext(ctx, fmt.Sprintf("CREATE SCHEMA %s", schema))
	require.NoError(t, err)
	require.NoError(t, admin.Close())

	t.Cleanup(func() {
		cleanup, err := stdsql.Open("pgx", sharedDSN)
		if err == nil {
			_, _ = cleanup.ExecContext(context.Background(), fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schema))
			_ = cleanup.Close()
		}
	})

	scopedDSN := withSearchPath(sharedDSN, schema)
	require.NoError(t, runMigrations(scopedDSN))

	poolCfg, err := pgxpool.ParseConfig(scopedDSN)
	require.NoError(t, err)
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return NewFromPool(pool)
}

func testSchemaName(t *testing.T) string {
	name := strings.ToLower(t.Name())
	name = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, name)
	if len(name) > 40 {
		name = name[:40]
	}
	suffix := make([]byte, 4)
	_, err := rand.Read(suffix)
	require.NoError(t, err)
	return fmt.Sprintf("test_%s_%s", name, hex.EncodeToString(suffix))
}

func withSearchPath(dsn, schema string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%ssearch_path=%s", dsn, sep, schema)
}
