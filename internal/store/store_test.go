package store

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestBBolt(t *testing.T) Store {
	t.Helper()
	st, err := OpenBBolt(filepath.Join(t.TempDir(), "nested", "licenses.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func openTestPostgres(t *testing.T) Store {
	t.Helper()
	dsn := os.Getenv("LICENSE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("LICENSE_TEST_POSTGRES_DSN not set")
	}
	st, err := OpenPostgres(context.Background(), dsn)
	require.NoError(t, err)
	_, err = st.db.Exec(`TRUNCATE licenses`)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newRecord(key string, created time.Time) License {
	return License{
		Key:            key,
		Nonce:          "initial-nonce",
		NonceTimestamp: created,
		Status:         StatusActive,
		CreatedAt:      created,
	}
}

func TestBBoltStore(t *testing.T) {
	runStoreSuite(t, openTestBBolt)
}

func TestPostgresStore(t *testing.T) {
	runStoreSuite(t, openTestPostgres)
}

func runStoreSuite(t *testing.T, open func(t *testing.T) Store) {
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	t.Run("insert and get", func(t *testing.T) {
		st := open(t)
		exp := base.Add(30 * 24 * time.Hour)
		rec := newRecord("ABCDE-12345-FGHIJ-67890", base)
		rec.ExpiresAt = &exp
		require.NoError(t, st.Insert(ctx, rec))

		got, err := st.Get(ctx, rec.Key)
		require.NoError(t, err)
		assert.Equal(t, rec.Key, got.Key)
		assert.Equal(t, StatusActive, got.Status)
		assert.False(t, got.Bound())
		require.NotNil(t, got.ExpiresAt)
		assert.True(t, exp.Equal(*got.ExpiresAt))
		assert.True(t, base.Equal(got.NonceTimestamp))
	})

	t.Run("missing key", func(t *testing.T) {
		st := open(t)
		_, err := st.Get(ctx, "NOPE0-NOPE0-NOPE0-NOPE0")
		assert.ErrorIs(t, err, ErrNotFound)

		nonce := "x"
		_, err = st.Update(ctx, "NOPE0-NOPE0-NOPE0-NOPE0", Condition{}, Update{Nonce: &nonce})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("duplicate insert", func(t *testing.T) {
		st := open(t)
		rec := newRecord("DUPED-12345-FGHIJ-67890", base)
		require.NoError(t, st.Insert(ctx, rec))
		assert.ErrorIs(t, st.Insert(ctx, rec), ErrExists)
	})

	t.Run("conditional nonce update", func(t *testing.T) {
		st := open(t)
		rec := newRecord("NONCE-12345-FGHIJ-67890", base)
		require.NoError(t, st.Insert(ctx, rec))

		next := "second-nonce"
		at := base.Add(time.Minute)
		got, err := st.Update(ctx, rec.Key, Condition{Nonce: "initial-nonce", Active: true},
			Update{Nonce: &next, NonceTimestamp: &at, LastVerified: &at, IncrementVerifications: true})
		require.NoError(t, err)
		assert.Equal(t, next, got.Nonce)
		assert.Equal(t, int64(1), got.VerificationCount)
		require.NotNil(t, got.LastVerified)

		// The old nonce no longer matches.
		third := "third-nonce"
		_, err = st.Update(ctx, rec.Key, Condition{Nonce: "initial-nonce"}, Update{Nonce: &third})
		assert.ErrorIs(t, err, ErrConditionFailed)

		stored, err := st.Get(ctx, rec.Key)
		require.NoError(t, err)
		assert.Equal(t, next, stored.Nonce)
		assert.Equal(t, int64(1), stored.VerificationCount)
	})

	t.Run("binding condition", func(t *testing.T) {
		st := open(t)
		rec := newRecord("BINDS-12345-FGHIJ-67890", base)
		require.NoError(t, st.Insert(ctx, rec))

		dev := "dev-001"
		_, err := st.Update(ctx, rec.Key, Condition{BindableTo: dev, Active: true}, Update{DeviceID: &dev})
		require.NoError(t, err)

		// same device may re-bind
		_, err = st.Update(ctx, rec.Key, Condition{BindableTo: dev, Active: true}, Update{DeviceID: &dev})
		require.NoError(t, err)

		other := "dev-002"
		_, err = st.Update(ctx, rec.Key, Condition{BindableTo: other, Active: true}, Update{DeviceID: &other})
		assert.ErrorIs(t, err, ErrConditionFailed)

		got, err := st.Get(ctx, rec.Key)
		require.NoError(t, err)
		assert.Equal(t, dev, got.DeviceID)
	})

	t.Run("active condition", func(t *testing.T) {
		st := open(t)
		rec := newRecord("BURNS-12345-FGHIJ-67890", base)
		require.NoError(t, st.Insert(ctx, rec))

		burned := StatusBurned
		got, err := st.Update(ctx, rec.Key, Condition{}, Update{Status: &burned})
		require.NoError(t, err)
		assert.True(t, got.Burned())

		nonce := "n"
		_, err = st.Update(ctx, rec.Key, Condition{Active: true}, Update{Nonce: &nonce})
		assert.ErrorIs(t, err, ErrConditionFailed)
	})

	t.Run("list newest first", func(t *testing.T) {
		st := open(t)
		require.NoError(t, st.Insert(ctx, newRecord("OLDER-12345-FGHIJ-67890", base)))
		require.NoError(t, st.Insert(ctx, newRecord("NEWER-12345-FGHIJ-67890", base.Add(time.Hour))))

		list, err := st.List(ctx)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "NEWER-12345-FGHIJ-67890", list[0].Key)
		assert.Equal(t, "OLDER-12345-FGHIJ-67890", list[1].Key)
	})

	t.Run("concurrent rotation has one winner", func(t *testing.T) {
		st := open(t)
		rec := newRecord("RACES-12345-FGHIJ-67890", base)
		require.NoError(t, st.Insert(ctx, rec))

		const workers = 8
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				next := "rotated-" + string(rune('a'+i))
				_, err := st.Update(ctx, rec.Key, Condition{Nonce: "initial-nonce", Active: true},
					Update{Nonce: &next, IncrementVerifications: true})
				if err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
					return
				}
				assert.ErrorIs(t, err, ErrConditionFailed)
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 1, wins)

		got, err := st.Get(ctx, rec.Key)
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.VerificationCount)
	})
}

func TestBuildUpdate(t *testing.T) {
	nonce := "next"
	query, args, err := buildUpdate("KEY", Condition{Nonce: "prev", BindableTo: "dev", Active: true},
		Update{Nonce: &nonce, IncrementVerifications: true})
	require.NoError(t, err)
	assert.Contains(t, query, "SET nonce = $1, verification_count = verification_count + 1")
	assert.Contains(t, query, "WHERE license_key = $2 AND nonce = $3 AND (device_id IS NULL OR device_id = '' OR device_id = $4) AND status = $5")
	assert.Equal(t, []any{"next", "KEY", "prev", "dev", "active"}, args)

	_, _, err = buildUpdate("KEY", Condition{}, Update{})
	assert.Error(t, err)
}

func TestLicenseExpired(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Second)
	future := now.Add(time.Hour)

	assert.False(t, License{}.Expired(now))
	assert.True(t, License{ExpiresAt: &past}.Expired(now))
	assert.False(t, License{ExpiresAt: &future}.Expired(now))
}
