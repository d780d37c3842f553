package boltstore

import (
	"context"
	"errors"
	"hazelstress/traits"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const (
	checkMark = "\u2713"
	ballotX   = "\u2717"
)

func openTestStore(t *testing.T) *Store {

	s, err := Open(filepath.Join(t.TempDir(), "store.db"), "ht_background")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s

}

func TestStoreBasicOperations(t *testing.T) {

	t.Log("given an empty bolt store")
	{
		ctx := context.TODO()
		s := openTestStore(t)

		t.Log("\twhen a value is put, read, and removed")
		{
			require.NoError(t, s.Put(ctx, "k", []byte("v1")))
			v, err := s.Get(ctx, "k")
			require.NoError(t, err)
			require.Equal(t, []byte("v1"), v)

			previous, err := s.GetAndRemove(ctx, "k")
			require.NoError(t, err)
			require.Equal(t, []byte("v1"), previous)

			v, err = s.Get(ctx, "k")

			msg := "\t\tremoved key must read as absent"
			if err == nil && v == nil {
				t.Log(msg, checkMark)
			} else {
				t.Fatal(msg, ballotX, err, v)
			}
		}

		t.Log("\twhen conditional operations are applied")
		{
			applied, err := s.PutIfAbsent(ctx, "c", []byte("a"))
			require.NoError(t, err)
			require.True(t, applied)

			applied, err = s.PutIfAbsent(ctx, "c", []byte("b"))
			require.NoError(t, err)
			require.False(t, applied)

			applied, err = s.Replace(ctx, "c", []byte("x"), []byte("b"))
			require.NoError(t, err)
			require.False(t, applied)

			applied, err = s.Replace(ctx, "c", []byte("a"), []byte("b"))
			require.NoError(t, err)
			require.True(t, applied)

			applied, err = s.RemoveIfSame(ctx, "c", []byte("a"))
			require.NoError(t, err)
			require.False(t, applied)

			applied, err = s.RemoveIfSame(ctx, "c", []byte("b"))

			msg := "\t\tvalue must only change when the expectation holds"
			if err == nil && applied {
				t.Log(msg, checkMark)
			} else {
				t.Fatal(msg, ballotX, err)
			}
		}

		t.Log("\twhen the store is evicted")
		{
			require.NoError(t, s.Put(ctx, "a", []byte("1")))
			require.NoError(t, s.Put(ctx, "b", []byte("2")))
			size, err := s.OwnedSize(ctx)
			require.NoError(t, err)
			require.Equal(t, int64(2), size)

			require.NoError(t, s.EvictAll(ctx))
			size, err = s.OwnedSize(ctx)

			msg := "\t\tstore must be empty"
			if err == nil && size == 0 {
				t.Log(msg, checkMark)
			} else {
				t.Fatal(msg, ballotX, err, size)
			}
		}
	}

}

func TestStoreListeners(t *testing.T) {

	t.Log("given a bolt store with created and updated listeners")
	{
		ctx := context.TODO()
		s := openTestStore(t)

		var created, updated []string
		require.NoError(t, s.AddListener(ctx, traits.Created, func(key string, _ []byte) { created = append(created, key) }))
		require.NoError(t, s.AddListener(ctx, traits.Updated, func(key string, _ []byte) { updated = append(updated, key) }))

		t.Log("\twhen entries are created and updated")
		{
			require.NoError(t, s.Put(ctx, "a", []byte("1")))
			require.NoError(t, s.Put(ctx, "a", []byte("2")))
			_, err := s.PutIfAbsent(ctx, "b", []byte("1"))
			require.NoError(t, err)
			require.NoError(t, s.Remove(ctx, "b"))

			msg := "\t\tlisteners must be told about each kind of change"
			if len(created) == 2 && created[1] == "b" && len(updated) == 1 && updated[0] == "a" {
				t.Log(msg, checkMark)
			} else {
				t.Fatal(msg, ballotX, created, updated)
			}
		}

		t.Log("\twhen an unsupported kind is requested")
		{
			err := s.AddListener(ctx, traits.ListenerKind("removed"), func(string, []byte) {})

			msg := "\t\tregistration must be refused"
			if errors.Is(err, traits.ErrListenerUnsupported) {
				t.Log(msg, checkMark)
			} else {
				t.Fatal(msg, ballotX, err)
			}
		}

		t.Log("\twhen listeners are removed")
		{
			require.NoError(t, s.RemoveListeners(ctx))
			require.NoError(t, s.Put(ctx, "c", []byte("1")))

			msg := "\t\tno further notification must arrive"
			if len(created) == 2 {
				t.Log(msg, checkMark)
			} else {
				t.Fatal(msg, ballotX, created)
			}
		}
	}

}

func TestTransaction(t *testing.T) {

	t.Log("given a transaction on a bolt store")
	{
		ctx := context.TODO()

		t.Log("\twhen the transaction commits without interference")
		{
			s := openTestStore(t)
			require.NoError(t, s.Put(ctx, "a", []byte("1")))

			tx := s.NewTransaction()
			require.NoError(t, tx.Begin(ctx))
			c := tx.WrapCache(s)
			cc := tx.WrapConditional(s)

			require.NoError(t, c.Put(ctx, "b", []byte("2")))
			replaced, err := cc.Replace(ctx, "a", []byte("1"), []byte("3"))
			require.NoError(t, err)
			require.True(t, replaced)

			v, _ := c.Get(ctx, "b")
			require.Equal(t, []byte("2"), v)
			outside, _ := s.Get(ctx, "b")
			require.Nil(t, outside)

			require.NoError(t, tx.Commit(ctx))
			a, _ := s.Get(ctx, "a")
			b, _ := s.Get(ctx, "b")

			msg := "\t\tbuffered writes must be applied"
			if string(a) == "3" && string(b) == "2" {
				t.Log(msg, checkMark)
			} else {
				t.Fatal(msg, ballotX, a, b)
			}
		}

		t.Log("\twhen an observed value changes before the commit")
		{
			s := openTestStore(t)
			require.NoError(t, s.Put(ctx, "a", []byte("1")))

			tx := s.NewTransaction()
			require.NoError(t, tx.Begin(ctx))
			c := tx.WrapCache(s)
			_, err := c.Get(ctx, "a")
			require.NoError(t, err)
			require.NoError(t, c.Put(ctx, "b", []byte("2")))

			require.NoError(t, s.Put(ctx, "a", []byte("changed")))
			err = tx.Commit(ctx)

			msg := "\t\tcommit must fail with a conflict and apply nothing"
			b, _ := s.Get(ctx, "b")
			if errors.Is(err, ErrConflict) && b == nil {
				t.Log(msg, checkMark)
			} else {
				t.Fatal(msg, ballotX, err, b)
			}
		}

		t.Log("\twhen the transaction is rolled back")
		{
			s := openTestStore(t)
			tx := s.NewTransaction()
			require.NoError(t, tx.Begin(ctx))
			require.NoError(t, tx.WrapCache(s).Put(ctx, "a", []byte("1")))

			require.NoError(t, tx.Rollback(ctx))
			a, _ := s.Get(ctx, "a")

			msg := "\t\tnothing must reach the store and the transaction must be inactive"
			if a == nil && errors.Is(tx.Commit(ctx), traits.ErrTransactionNotActive) {
				t.Log(msg, checkMark)
			} else {
				t.Fatal(msg, ballotX, a)
			}
		}
	}

}
