package scope

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/zjrosen/scopekit/internal/registry"
)

func awaitTeardown(t *testing.T, rec *Recorder) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, rec.Wait(ctx))
}

func TestDriverScopeOwnsAndTearsDown(t *testing.T) {
	reg := registry.NewInMemoryRegistry()
	d := NewDriver(reg, Config{})

	db := registry.NewKey("Database")
	cache := registry.NewKey("Cache")

	rec, err := d.Run(func(b *Binder) error {
		if _, err := b.Put(db, "conn", false); err != nil {
			return err
		}
		if _, err := b.Put(cache, "lru", false); err != nil {
			return err
		}
		require.True(t, b.IsRegistered(db))
		return nil
	})
	require.NoError(t, err)
	awaitTeardown(t, rec)

	// === everything the scope owned is gone ===
	require.False(t, reg.Exists(db))
	require.False(t, reg.Exists(cache))
	require.Equal(t, []registry.Key{db, cache}, rec.Owned())
}

func TestDriverBorrowingDoesNotTransferOwnership(t *testing.T) {
	reg := registry.NewInMemoryRegistry()
	d := NewDriver(reg, Config{})
	shared := registry.NewKey("Shared")

	outer := d.BeginScope()
	err := d.RunBody(outer, func(b *Binder) error {
		if _, err := b.Put(shared, "outer-owned", false); err != nil {
			return err
		}

		// === inner scope borrows the key ===
		inner := d.BeginScope()
		innerErr := d.RunBody(inner, func(b *Binder) error {
			got, err := b.Put(shared, "inner-attempt", false)
			require.NoError(t, err)
			require.Equal(t, "outer-owned", got)
			return nil
		})
		require.NoError(t, innerErr)
		d.EndScope(inner)
		awaitTeardown(t, inner)

		// The inner scope's teardown must not touch the borrowed key.
		require.True(t, reg.Exists(shared))
		require.Empty(t, inner.Owned())
		return nil
	})
	require.NoError(t, err)

	d.EndScope(outer)
	awaitTeardown(t, outer)
	require.False(t, reg.Exists(shared))
}

func TestDriverAsyncInstallDiesWithItsScope(t *testing.T) {
	reg := registry.NewInMemoryRegistry()
	d := NewDriver(reg, Config{})
	key := registry.NewKey("AsyncConn")

	rec, err := d.Run(func(b *Binder) error {
		v, err := b.PutAsync(context.Background(), key, func(ctx context.Context) (any, error) {
			return "built", nil
		})
		require.Equal(t, "built", v)
		return err
	})
	require.NoError(t, err)
	awaitTeardown(t, rec)

	require.False(t, reg.Exists(key))
}

func TestDriverSlowInstallCannotLeak(t *testing.T) {
	reg := registry.NewInMemoryRegistry()
	d := NewDriver(reg, Config{DisposeWait: 20 * time.Millisecond})
	key := registry.NewKey("SlowBuild")

	release := make(chan struct{})
	started := make(chan struct{})
	installDone := make(chan struct{})

	rec := d.BeginScope()
	err := d.RunBody(rec, func(b *Binder) error {
		go func() {
			defer close(installDone)
			_, _ = b.PutAsync(context.Background(), key, func(ctx context.Context) (any, error) {
				close(started)
				<-release
				return "late", nil
			})
		}()
		// Leave the scope once the install is running but unsettled.
		<-started
		return nil
	})
	require.NoError(t, err)
	d.EndScope(rec)
	awaitTeardown(t, rec)

	// === the build finishes after teardown; the late hook must clean it ===
	close(release)
	<-installDone

	require.Eventually(t, func() bool {
		return !reg.Exists(key)
	}, 2*time.Second, 10*time.Millisecond, "straggler registration leaked")
}

func TestDriverFailedStragglerSparesSuccessorRegistration(t *testing.T) {
	reg := registry.NewInMemoryRegistry()
	d := NewDriver(reg, Config{DisposeWait: 20 * time.Millisecond})
	key := registry.NewKey("FlakyConn")

	release := make(chan struct{})
	started := make(chan struct{})
	installDone := make(chan struct{})

	rec := d.BeginScope()
	err := d.RunBody(rec, func(b *Binder) error {
		go func() {
			defer close(installDone)
			_, err := b.PutAsync(context.Background(), key, func(ctx context.Context) (any, error) {
				close(started)
				<-release
				return nil, fmt.Errorf("connection refused")
			})
			require.ErrorIs(t, err, ErrAsyncBuildFailure)
		}()
		<-started
		return nil
	})
	require.NoError(t, err)
	d.EndScope(rec)
	awaitTeardown(t, rec)

	// Someone else claims the key while the doomed build is still pending.
	// The registration must survive the build's eventual failure: the scope
	// never created anything under this key.
	putDone := make(chan struct{})
	go func() {
		defer close(putDone)
		got, err := d.Binder().Put(key, "successor", false)
		require.NoError(t, err)
		require.Equal(t, "successor", got)
	}()

	close(release)
	<-installDone
	<-putDone

	require.Never(t, func() bool {
		return !reg.Exists(key)
	}, 300*time.Millisecond, 20*time.Millisecond, "late hook deleted a registration the scope never created")

	got, err := reg.Resolve(key)
	require.NoError(t, err)
	require.Equal(t, "successor", got)
}

func TestDriverFailedInstallLeavesTeardownNothingToDelete(t *testing.T) {
	reg := registry.NewInMemoryRegistry()
	d := NewDriver(reg, Config{})
	key := registry.NewKey("NeverBuilt")

	rec := d.BeginScope()
	err := d.RunBody(rec, func(b *Binder) error {
		_, err := b.PutAsync(context.Background(), key, func(ctx context.Context) (any, error) {
			return nil, fmt.Errorf("boom")
		})
		require.ErrorIs(t, err, ErrAsyncBuildFailure)
		require.Empty(t, rec.Owned())
		return nil
	})
	require.NoError(t, err)

	// The key is re-registered outside the scope before teardown runs; the
	// scope has no claim on it and must leave it alone.
	require.NoError(t, reg.Put(key, "unrelated", false))

	d.EndScope(rec)
	awaitTeardown(t, rec)
	require.True(t, reg.Exists(key))
}

func TestDriverPanicInBodyIsContainedAndCleaned(t *testing.T) {
	reg := registry.NewInMemoryRegistry()
	d := NewDriver(reg, Config{})
	key := registry.NewKey("BeforeBoom")

	outer := d.BeginScope()
	require.NoError(t, d.RunBody(outer, func(b *Binder) error {
		inner := d.BeginScope()
		innerErr := d.RunBody(inner, func(b *Binder) error {
			_, _ = b.Put(key, "doomed", false)
			panic("scope body blew up")
		})
		require.ErrorContains(t, innerErr, "panicked")
		d.EndScope(inner)
		awaitTeardown(t, inner)

		// === the panic did not corrupt the active-recorder stack ===
		marker := registry.NewKey("OuterStillWorks")
		_, err := b.Put(marker, "yes", false)
		require.NoError(t, err)
		require.Equal(t, []registry.Key{marker}, outer.Owned())
		return nil
	}))

	require.False(t, reg.Exists(key))
	d.EndScope(outer)
	awaitTeardown(t, outer)
}

func TestDriverRegistrationOutsideScopeIsUnowned(t *testing.T) {
	reg := registry.NewInMemoryRegistry()
	d := NewDriver(reg, Config{})
	global := registry.NewKey("Global")

	_, err := d.Binder().Put(global, "host-owned", false)
	require.NoError(t, err)

	rec, err := d.Run(func(b *Binder) error {
		got, err := b.Find(global)
		require.Equal(t, "host-owned", got)
		return err
	})
	require.NoError(t, err)
	awaitTeardown(t, rec)

	require.True(t, reg.Exists(global))
}

func TestDriverResurrectableFactorySurvivesTeardown(t *testing.T) {
	reg := registry.NewInMemoryRegistry()
	d := NewDriver(reg, Config{})
	key := registry.NewKey("Fenix")

	builds := 0
	rec, err := d.Run(func(b *Binder) error {
		if err := b.LazyPut(key, func() (any, error) {
			builds++
			return fmt.Sprintf("life-%d", builds), nil
		}, true); err != nil {
			return err
		}
		got, err := b.Find(key)
		require.Equal(t, "life-1", got)
		return err
	})
	require.NoError(t, err)
	awaitTeardown(t, rec)

	// === the instance died with the scope, the factory did not ===
	require.True(t, reg.Exists(key))
	got, err := reg.Resolve(key)
	require.NoError(t, err)
	require.Equal(t, "life-2", got)
}

func TestDriverPermanentRegistrationDiesWithOwningScope(t *testing.T) {
	reg := registry.NewInMemoryRegistry()
	d := NewDriver(reg, Config{})
	key := registry.NewKey("Pinned")

	rec, err := d.Run(func(b *Binder) error {
		if _, err := b.Put(key, "pinned", true); err != nil {
			return err
		}
		// Permanent blocks plain deletes while the scope is live.
		require.ErrorIs(t, reg.Delete(key, false), registry.ErrPermanent)
		return nil
	})
	require.NoError(t, err)
	awaitTeardown(t, rec)
	require.False(t, reg.Exists(key))
}

func TestDriverEmitsLifecycleEvents(t *testing.T) {
	reg := registry.NewInMemoryRegistry()
	d := NewDriver(reg, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := d.Events().Subscribe(ctx)

	key := registry.NewKey("Observed")
	rec, err := d.Run(func(b *Binder) error {
		_, err := b.Put(key, "watched", false)
		return err
	})
	require.NoError(t, err)
	awaitTeardown(t, rec)

	seen := map[EventKind]bool{}
	deadline := time.After(2 * time.Second)
	for !seen[EventOwnershipRecorded] || !seen[EventTeardownStarted] || !seen[EventTeardownFinished] {
		select {
		case ev := <-events:
			seen[ev.Payload.Kind] = true
		case <-deadline:
			t.Fatalf("missing lifecycle events, saw %v", seen)
		}
	}
}

func TestDriverScopeNeverLeaksOwnedKeys(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		reg := registry.NewInMemoryRegistry()
		d := NewDriver(reg, Config{DisposeWait: 50 * time.Millisecond})

		names := rapid.SliceOfN(
			rapid.StringMatching(`[A-Z][a-z]{2,8}`), 1, 12,
		).Draw(t, "names")

		rec, err := d.Run(func(b *Binder) error {
			for i, name := range names {
				key := registry.TaggedKey(registry.TypeID(name), fmt.Sprintf("t%d", i%3))
				switch i % 3 {
				case 0:
					if _, err := b.Put(key, name, i%2 == 0); err != nil {
						return err
					}
				case 1:
					if err := b.LazyPut(key, func() (any, error) { return name, nil }, false); err != nil {
						return err
					}
				default:
					if _, err := b.PutAsync(context.Background(), key, func(ctx context.Context) (any, error) {
						return name, nil
					}); err != nil {
						return err
					}
				}
			}
			return nil
		})
		if err != nil {
			t.Fatalf("scope body failed: %v", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if waitErr := rec.Wait(ctx); waitErr != nil {
			t.Fatalf("teardown did not finish: %v", waitErr)
		}

		// Every key the scope owned must be gone from the registry.
		for _, key := range rec.Owned() {
			if reg.Exists(key) {
				t.Fatalf("owned key %s leaked past teardown", key)
			}
		}
	})
}
