package scope

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/scopekit/internal/registry"
)

func noopUninstall(context.Context) error { return nil }

func TestRecorderPreservesCreationOrder(t *testing.T) {
	rec := NewRecorder(50*time.Millisecond, nil)

	a := registry.NewKey("A")
	b := registry.NewKey("B")
	c := registry.NewKey("C")
	rec.OwnInstance(a, noopUninstall)
	rec.OwnInstance(b, noopUninstall)
	rec.OwnInstance(c, noopUninstall)

	require.Equal(t, []registry.Key{a, b, c}, rec.Owned())

	// === re-recording keeps the original position ===
	rec.OwnInstance(a, noopUninstall)
	require.Equal(t, []registry.Key{a, b, c}, rec.Owned())
}

func TestRecorderDisposesInReverseOrder(t *testing.T) {
	rec := NewRecorder(50*time.Millisecond, nil)

	var mu sync.Mutex
	var torn []string
	record := func(name string) UninstallFunc {
		return func(context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			torn = append(torn, name)
			return nil
		}
	}

	rec.OwnInstance(registry.NewKey("First"), record("First"))
	rec.OwnInstance(registry.NewKey("Second"), record("Second"))
	rec.OwnInstance(registry.NewKey("Third"), record("Third"))

	rec.DisposeOwned(context.Background())

	require.Equal(t, []string{"Third", "Second", "First"}, torn)
}

func TestRecorderDisposeIsIdempotent(t *testing.T) {
	rec := NewRecorder(50*time.Millisecond, nil)

	var calls int
	rec.OwnInstance(registry.NewKey("Once"), func(context.Context) error {
		calls++
		return nil
	})

	rec.DisposeOwned(context.Background())
	rec.DisposeOwned(context.Background())

	require.Equal(t, 1, calls)
	require.True(t, rec.Disposed())
}

func TestRecorderUninstallErrorDoesNotStopThePass(t *testing.T) {
	rec := NewRecorder(50*time.Millisecond, nil)

	var survived bool
	rec.OwnInstance(registry.NewKey("Survivor"), func(context.Context) error {
		survived = true
		return nil
	})
	rec.OwnInstance(registry.NewKey("Broken"), func(context.Context) error {
		return errors.New("uninstall exploded")
	})

	rec.DisposeOwned(context.Background())

	// Broken runs first (reverse order) and its error must not skip Survivor.
	require.True(t, survived)
}

func TestRecorderWaitsForInFlightInstalls(t *testing.T) {
	rec := NewRecorder(500*time.Millisecond, nil)
	key := registry.NewKey("Slowish")

	var torn bool
	rec.OwnInstance(key, func(context.Context) error {
		torn = true
		return nil
	})

	st := newSettle()
	rec.TrackInFlight(key, st)

	go func() {
		time.Sleep(50 * time.Millisecond)
		st.succeed()
	}()

	start := time.Now()
	rec.DisposeOwned(context.Background())

	require.True(t, torn)
	require.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestRecorderAttachesLateHookToStraggler(t *testing.T) {
	rec := NewRecorder(20*time.Millisecond, nil)
	key := registry.NewKey("Straggler")

	cleaned := make(chan struct{})
	rec.OwnInstance(key, func(context.Context) error {
		close(cleaned)
		return nil
	})

	st := newSettle()
	rec.TrackInFlight(key, st)

	// Dispose returns after the ceiling even though the install is pending.
	rec.DisposeOwned(context.Background())

	select {
	case <-cleaned:
		t.Fatal("uninstall ran before the install settled")
	default:
	}

	// === settling fires the late hook ===
	st.succeed()
	select {
	case <-cleaned:
	case <-time.After(time.Second):
		t.Fatal("late hook never fired")
	}
}

func TestRecorderFailedInstallReleasesOwnership(t *testing.T) {
	rec := NewRecorder(50*time.Millisecond, nil)
	key := registry.NewKey("Doomed")

	var deleted bool
	rec.OwnInstance(key, func(context.Context) error {
		deleted = true
		return nil
	})
	st := newSettle()
	rec.TrackInFlight(key, st)

	// The build registered nothing, so the scope holds no claim on the key.
	st.fail()
	rec.SettleInFlight(key, false)

	require.Empty(t, rec.Owned())
	require.Zero(t, rec.Pending())

	rec.DisposeOwned(context.Background())
	require.False(t, deleted)
}

func TestRecorderDisposeSkipsInstallThatSettledEmpty(t *testing.T) {
	rec := NewRecorder(500*time.Millisecond, nil)
	key := registry.NewKey("Empty")

	var deleted bool
	rec.OwnInstance(key, func(context.Context) error {
		deleted = true
		return nil
	})
	st := newSettle()
	rec.TrackInFlight(key, st)

	// Fails inside the dispose ceiling; phase three must leave the key be.
	go func() {
		time.Sleep(20 * time.Millisecond)
		st.fail()
	}()

	rec.DisposeOwned(context.Background())
	require.False(t, deleted)
}

func TestRecorderLateHookStandsDownForFailedInstall(t *testing.T) {
	rec := NewRecorder(20*time.Millisecond, nil)
	key := registry.NewKey("Straggler")

	var deleted bool
	var mu sync.Mutex
	rec.OwnInstance(key, func(context.Context) error {
		mu.Lock()
		deleted = true
		mu.Unlock()
		return nil
	})
	st := newSettle()
	rec.TrackInFlight(key, st)

	rec.DisposeOwned(context.Background())

	// The straggler settles without having registered anything; whatever
	// now occupies the slot belongs to someone else.
	st.fail()

	require.Never(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return deleted
	}, 200*time.Millisecond, 20*time.Millisecond)
}

func TestRecorderWaitUnblocksAfterTeardown(t *testing.T) {
	rec := NewRecorder(20*time.Millisecond, nil)
	rec.OwnInstance(registry.NewKey("Thing"), noopUninstall)

	go rec.DisposeOwned(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, rec.Wait(ctx))
}

func TestRecorderWaitHonorsContext(t *testing.T) {
	rec := NewRecorder(time.Minute, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := rec.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRecorderIgnoresOwnershipAfterDispose(t *testing.T) {
	rec := NewRecorder(20*time.Millisecond, nil)
	rec.DisposeOwned(context.Background())

	rec.OwnInstance(registry.NewKey("TooLate"), noopUninstall)
	require.Empty(t, rec.Owned())
}
