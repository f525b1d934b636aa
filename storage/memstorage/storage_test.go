/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package memstorage

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStorageGetAbsentKey(t *testing.T) {
	st := New()
	val, exists, err := st.Get(context.Background(), "missing")
	require.NoError(t, err)
	require.False(t, exists)
	require.Nil(t, val)
}

func TestStorageAtomicUpdate(t *testing.T) {
	st := New()
	ctx := context.Background()

	newVal, err := st.AtomicUpdate(ctx, "key", func(old []byte, exists bool) ([]byte, error) {
		require.False(t, exists)
		require.Nil(t, old)
		return []byte("v1"), nil
	}, 0)
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), newVal)

	newVal, err = st.AtomicUpdate(ctx, "key", func(old []byte, exists bool) ([]byte, error) {
		require.True(t, exists)
		require.Equal(t, []byte("v1"), old)
		return []byte("v2"), nil
	}, 0)
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), newVal)

	val, exists, err := st.Get(ctx, "key")
	require.NoError(t, err)
	require.True(t, exists)
	require.Equal(t, []byte("v2"), val)
}

func TestStorageAtomicUpdateAbort(t *testing.T) {
	st := New()
	ctx := context.Background()

	_, err := st.AtomicUpdate(ctx, "key", func(old []byte, exists bool) ([]byte, error) {
		return []byte("v1"), nil
	}, 0)
	require.NoError(t, err)

	wantErr := errors.New("abort")
	_, err = st.AtomicUpdate(ctx, "key", func(old []byte, exists bool) ([]byte, error) {
		return nil, wantErr
	}, 0)
	require.ErrorIs(t, err, wantErr)

	val, exists, err := st.Get(ctx, "key")
	require.NoError(t, err)
	require.True(t, exists, "aborted update should not modify the value")
	require.Equal(t, []byte("v1"), val)
}

func TestStorageAtomicUpdateDelete(t *testing.T) {
	st := New()
	ctx := context.Background()

	_, err := st.AtomicUpdate(ctx, "key", func(old []byte, exists bool) ([]byte, error) {
		return []byte("v1"), nil
	}, 0)
	require.NoError(t, err)

	newVal, err := st.AtomicUpdate(ctx, "key", func(old []byte, exists bool) ([]byte, error) {
		return nil, nil
	}, 0)
	require.NoError(t, err)
	require.Nil(t, newVal)

	_, exists, err := st.Get(ctx, "key")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestStorageTTL(t *testing.T) {
	st := New()
	ctx := context.Background()
	now := time.Now()
	st.NowProvider = func() time.Time { return now }

	_, err := st.AtomicUpdate(ctx, "key", func(old []byte, exists bool) ([]byte, error) {
		return []byte("v1"), nil
	}, time.Second)
	require.NoError(t, err)

	_, exists, err := st.Get(ctx, "key")
	require.NoError(t, err)
	require.True(t, exists)

	now = now.Add(time.Second + time.Millisecond)
	_, exists, err = st.Get(ctx, "key")
	require.NoError(t, err)
	require.False(t, exists, "key should expire after TTL")

	// An expired key looks absent inside AtomicUpdate as well.
	_, err = st.AtomicUpdate(ctx, "key", func(old []byte, exists bool) ([]byte, error) {
		require.False(t, exists)
		return []byte("v2"), nil
	}, 0)
	require.NoError(t, err)
}

func TestStorageExpire(t *testing.T) {
	st := New()
	ctx := context.Background()
	now := time.Now()
	st.NowProvider = func() time.Time { return now }

	_, err := st.AtomicUpdate(ctx, "key", func(old []byte, exists bool) ([]byte, error) {
		return []byte("v1"), nil
	}, 0)
	require.NoError(t, err)

	require.NoError(t, st.Expire(ctx, "key", time.Second))
	now = now.Add(2 * time.Second)
	_, exists, err := st.Get(ctx, "key")
	require.NoError(t, err)
	require.False(t, exists)

	// Expiring a missing key is a no-op, non-positive TTL removes the key.
	require.NoError(t, st.Expire(ctx, "missing", time.Second))
	_, err = st.AtomicUpdate(ctx, "key2", func(old []byte, exists bool) ([]byte, error) {
		return []byte("v"), nil
	}, 0)
	require.NoError(t, err)
	require.NoError(t, st.Expire(ctx, "key2", 0))
	_, exists, err = st.Get(ctx, "key2")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestStorageConcurrentAtomicUpdates(t *testing.T) {
	st := New()
	ctx := context.Background()

	const goroutines = 100
	const incrementsPerGoroutine = 10

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < incrementsPerGoroutine; j++ {
				_, err := st.AtomicUpdate(ctx, "counter", func(old []byte, exists bool) ([]byte, error) {
					n := 0
					if exists {
						var pErr error
						n, pErr = strconv.Atoi(string(old))
						if pErr != nil {
							return nil, pErr
						}
					}
					return []byte(strconv.Itoa(n + 1)), nil
				}, 0)
				require.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	val, exists, err := st.Get(ctx, "counter")
	require.NoError(t, err)
	require.True(t, exists)
	require.Equal(t, strconv.Itoa(goroutines*incrementsPerGoroutine), string(val),
		"no increment should be lost under concurrent atomic updates")
}
