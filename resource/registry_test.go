package resource

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/iotaledger/hive.go/ierrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_CreateAssignsIncreasingIDs(t *testing.T) {
	registry := NewRegistry[string]()

	first := registry.Create("alice")
	second := registry.Create("bob")
	require.Greater(t, second, first)
	assert.Equal(t, 2, registry.Size())

	// identities are never reused, not even after removal.
	require.NoError(t, registry.Remove(context.Background(), second))
	third := registry.Create("carol")
	require.Greater(t, third, second)
}

func TestRegistry_WithLockedEmptySet(t *testing.T) {
	registry := NewRegistry[string]()

	invoked := false
	require.NoError(t, registry.WithLocked(context.Background(), nil, func(locked map[ID]*Resource[string]) error {
		invoked = true
		assert.Empty(t, locked)

		return nil
	}))
	assert.True(t, invoked)
}

func TestRegistry_WithLockedUnknownID(t *testing.T) {
	registry := NewRegistry[string]()
	known := registry.Create("alice")

	err := registry.WithLocked(context.Background(), []ID{known, 4711}, func(locked map[ID]*Resource[string]) error {
		t.Fatal("callback must not run for an unknown identity")

		return nil
	})
	require.ErrorIs(t, err, ErrNotFound)

	// the failed request must not have acquired any lock.
	assert.Empty(t, registry.HeldLocks())
}

func TestRegistry_WithLockedPropagatesCallbackError(t *testing.T) {
	registry := NewRegistry[string]()
	id := registry.Create("alice")

	errBroken := ierrors.New("rep invariant violated")
	err := registry.WithLocked(context.Background(), []ID{id}, func(locked map[ID]*Resource[string]) error {
		return errBroken
	})
	require.ErrorIs(t, err, errBroken)

	// the locks are released on the error path as well.
	assert.Empty(t, registry.HeldLocks())
}

func TestRegistry_PayloadMutation(t *testing.T) {
	registry := NewRegistry[int]()
	id := registry.Create(1)

	require.NoError(t, registry.WithLocked(context.Background(), []ID{id}, func(locked map[ID]*Resource[int]) error {
		locked[id].SetPayload(locked[id].Payload() + 41)

		return nil
	}))

	payload, err := registry.Payload(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 42, payload)
}

func TestRegistry_LinkSymmetry(t *testing.T) {
	registry := NewRegistry[string]()
	ctx := context.Background()

	alice := registry.Create("alice")
	bob := registry.Create("bob")

	require.NoError(t, registry.Link(ctx, alice, bob))

	aliceLinks, err := registry.Links(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, []ID{bob}, aliceLinks)

	bobLinks, err := registry.Links(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, []ID{alice}, bobLinks)

	// linking twice is a no-op.
	require.NoError(t, registry.Link(ctx, bob, alice))
	aliceLinks, err = registry.Links(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, []ID{bob}, aliceLinks)

	require.NoError(t, registry.Unlink(ctx, alice, bob))

	aliceLinks, err = registry.Links(ctx, alice)
	require.NoError(t, err)
	assert.Empty(t, aliceLinks)

	bobLinks, err = registry.Links(ctx, bob)
	require.NoError(t, err)
	assert.Empty(t, bobLinks)
}

func TestRegistry_SelfLink(t *testing.T) {
	registry := NewRegistry[string]()
	id := registry.Create("alice")

	require.ErrorIs(t, registry.Link(context.Background(), id, id), ErrSelfLink)
}

func TestRegistry_RemoveRejectsLinkedResource(t *testing.T) {
	registry := NewRegistry[string]()
	ctx := context.Background()

	alice := registry.Create("alice")
	bob := registry.Create("bob")
	require.NoError(t, registry.Link(ctx, alice, bob))

	require.ErrorIs(t, registry.Remove(ctx, alice), ErrStillLinked)

	require.NoError(t, registry.Unlink(ctx, alice, bob))
	require.NoError(t, registry.Remove(ctx, alice))
	assert.False(t, registry.Has(alice))

	_, err := registry.Payload(ctx, alice)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_OverlappingScopesDoNotDeadlock(t *testing.T) {
	registry := NewRegistry[int]()
	ctx := context.Background()

	a := registry.Create(0)
	c := registry.Create(0)

	// both scopes name the same resources in inverse order - the ordered acquisition makes this safe.
	var wg sync.WaitGroup
	for _, ids := range [][]ID{{a, c}, {c, a}} {
		wg.Add(1)
		go func(ids []ID) {
			defer wg.Done()

			require.NoError(t, registry.WithLocked(ctx, ids, func(locked map[ID]*Resource[int]) error {
				for _, resource := range locked {
					resource.SetPayload(resource.Payload() + 1)
				}
				time.Sleep(10 * time.Millisecond)

				return nil
			}))
		}(ids)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("overlapping scopes deadlocked")
	}

	for _, id := range []ID{a, c} {
		payload, err := registry.Payload(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 2, payload)
	}
}

func TestRegistry_LinkSymmetryUnderConcurrency(t *testing.T) {
	const resourceCount = 10
	const workerCount = 20
	const iterations = 50

	registry := NewRegistry[int]()
	ctx := context.Background()

	ids := make([]ID, resourceCount)
	for i := range ids {
		ids[i] = registry.Create(i)
	}

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()

			r := rand.New(rand.NewSource(seed))
			for j := 0; j < iterations; j++ {
				a := ids[r.Intn(resourceCount)]
				b := ids[r.Intn(resourceCount)]
				if a == b {
					continue
				}

				if r.Intn(2) == 0 {
					require.NoError(t, registry.Link(ctx, a, b))
				} else {
					require.NoError(t, registry.Unlink(ctx, a, b))
				}

				// observe both link sets inside one scope: membership must be symmetric at every
				// observation point.
				require.NoError(t, registry.WithLocked(ctx, []ID{a, b}, func(locked map[ID]*Resource[int]) error {
					assert.Equal(t, locked[a].IsLinkedTo(b), locked[b].IsLinkedTo(a))

					return nil
				}))
			}
		}(int64(i))
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		assert.Empty(t, registry.HeldLocks())
	case <-time.After(30 * time.Second):
		t.Fatal("concurrent link operations did not all complete")
	}
}

func TestRegistry_CancellationLeavesNoLocks(t *testing.T) {
	registry := NewRegistry[string]()

	a := registry.Create("alice")
	b := registry.Create("bob")

	blockedScopeEntered := make(chan struct{})
	releaseBlockedScope := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()

		require.NoError(t, registry.WithLocked(context.Background(), []ID{b}, func(locked map[ID]*Resource[string]) error {
			close(blockedScopeEntered)
			<-releaseBlockedScope

			return nil
		}))
	}()

	<-blockedScopeEntered

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := registry.WithLocked(ctx, []ID{a, b}, func(locked map[ID]*Resource[string]) error {
		t.Fatal("callback must not run for a timed out acquisition")

		return nil
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(releaseBlockedScope)
	wg.Wait()

	// neither the canceled nor the completed scope may leave locks behind.
	assert.Empty(t, registry.HeldLocks())
}
