package substrate

import (
	"context"
	"database/sql"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"beaverdb/internal/errs"
)

func TestOpenMemorySchemaBootstrap(t *testing.T) {
	db, err := Open(":memory:", Options{})
	require.NoError(t, err)
	defer db.Close()

	conn, err := db.SQL()
	require.NoError(t, err)

	var name string
	err = conn.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'beaver_dicts'`).Scan(&name)
	require.NoError(t, err)
	assert.Equal(t, "beaver_dicts", name)
}

func TestCloseIsIdempotentAndBlocksFurtherAccess(t *testing.T) {
	db, err := Open(":memory:", Options{})
	require.NoError(t, err)

	require.NoError(t, db.Close())
	require.NoError(t, db.Close()) // idempotent

	_, err = db.SQL()
	assert.ErrorIs(t, err, errs.ErrClosed)
}

func TestInMemoryDatabaseRejectsOtherGoroutine(t *testing.T) {
	db, err := Open(":memory:", Options{})
	require.NoError(t, err)
	defer db.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	var accessErr error
	go func() {
		defer wg.Done()
		_, accessErr = db.SQL()
	}()
	wg.Wait()

	assert.ErrorIs(t, accessErr, errs.ErrMisuse)
}

func TestWithTxCommitsAndRollsBack(t *testing.T) {
	db, err := Open(":memory:", Options{})
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()

	err = db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO beaver_dicts (dict_name, key, value) VALUES ('t', 'k', '"v"')`)
		return err
	})
	require.NoError(t, err)

	conn, err := db.SQL()
	require.NoError(t, err)
	var value string
	require.NoError(t, conn.QueryRow(`SELECT value FROM beaver_dicts WHERE dict_name = 't' AND key = 'k'`).Scan(&value))
	assert.Equal(t, `"v"`, value)

	err = db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO beaver_dicts (dict_name, key, value) VALUES ('t', 'k2', '"v2"')`); err != nil {
			return err
		}
		return assert.AnError
	})
	assert.Error(t, err)

	var n int
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM beaver_dicts WHERE dict_name = 't' AND key = 'k2'`).Scan(&n))
	assert.Equal(t, 0, n)
}
