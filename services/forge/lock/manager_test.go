// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lock

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, mutate func(*Config)) *Manager {
	t.Helper()
	config := DefaultConfig()
	config.StallWarning = 0
	if mutate != nil {
		mutate(&config)
	}
	m, err := NewManager(config)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestManager_Get(t *testing.T) {
	t.Run("concurrent first access yields one lock", func(t *testing.T) {
		m := newTestManager(t, nil)

		const n = 64
		results := make([]*FileLock, n)
		var start sync.WaitGroup
		start.Add(1)
		var done sync.WaitGroup
		for i := 0; i < n; i++ {
			done.Add(1)
			go func(i int) {
				defer done.Done()
				start.Wait()
				results[i] = m.Get("/ws/a.go")
			}(i)
		}
		start.Done()
		done.Wait()

		for i := 1; i < n; i++ {
			assert.Same(t, results[0], results[i])
		}
		assert.Equal(t, 1, m.Len())
	})

	t.Run("paths are cleaned", func(t *testing.T) {
		m := newTestManager(t, nil)
		a := m.Get("/ws/src/../a.go")
		b := m.Get("/ws/a.go")
		assert.Same(t, a, b)
		assert.Equal(t, "/ws/a.go", a.Path())
	})

	t.Run("distinct paths yield distinct locks", func(t *testing.T) {
		m := newTestManager(t, nil)
		assert.NotSame(t, m.Get("/ws/a.go"), m.Get("/ws/b.go"))
		assert.Equal(t, 2, m.Len())
	})
}

func TestManager_ConcurrentReaders(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	const readers = 8
	releases := make([]func(), 0, readers)
	for i := 0; i < readers; i++ {
		// Each acquisition must succeed immediately while the others are held.
		shortCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		release, err := m.AcquireRead(shortCtx, "/ws/shared.go")
		cancel()
		require.NoError(t, err, "reader %d should not wait", i)
		releases = append(releases, release)
	}

	assert.Equal(t, readers, m.Stats().ReadHeld)
	for _, release := range releases {
		release()
	}
	assert.Equal(t, 0, m.Stats().ReadHeld)
}

func TestManager_WriterWaitsForAllReaders(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	var releases []func()
	for i := 0; i < 3; i++ {
		release, err := m.AcquireRead(ctx, "/ws/file.go")
		require.NoError(t, err)
		releases = append(releases, release)
	}

	acquired := make(chan func(), 1)
	go func() {
		release, err := m.AcquireWrite(ctx, "/ws/file.go")
		if err == nil {
			acquired <- release
		}
	}()

	for i := 0; i < 2; i++ {
		releases[i]()
		select {
		case <-acquired:
			t.Fatalf("writer acquired with %d readers still holding", 2-i)
		case <-time.After(50 * time.Millisecond):
		}
	}

	releases[2]()
	select {
	case release := <-acquired:
		assert.True(t, m.IsWriteLocked("/ws/file.go"))
		release()
		assert.False(t, m.IsWriteLocked("/ws/file.go"))
	case <-time.After(2 * time.Second):
		t.Fatal("writer never acquired after all readers released")
	}
}

func TestManager_WriterExcludesLaterReaders(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	releaseRead, err := m.AcquireRead(ctx, "/ws/file.go")
	require.NoError(t, err)

	writerDone := make(chan struct{})
	writerAcquired := make(chan struct{})
	go func() {
		release, err := m.AcquireWrite(ctx, "/ws/file.go")
		if err != nil {
			return
		}
		close(writerAcquired)
		time.Sleep(30 * time.Millisecond)
		release()
		close(writerDone)
	}()

	// Give the writer time to queue.
	time.Sleep(30 * time.Millisecond)

	shortCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	_, err = m.AcquireRead(shortCtx, "/ws/file.go")
	cancel()
	assert.Error(t, err, "reader arriving after a queued writer must wait")

	releaseRead()
	<-writerAcquired
	<-writerDone

	release, err := m.AcquireRead(ctx, "/ws/file.go")
	require.NoError(t, err)
	release()
}

func TestManager_CancelledAcquisition(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	release, err := m.AcquireWrite(ctx, "/ws/file.go")
	require.NoError(t, err)

	cancelCtx, cancel := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() {
		_, err := m.AcquireWrite(cancelCtx, "/ws/file.go")
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled acquisition did not return")
	}

	release()
	release() // idempotent

	again, err := m.AcquireWrite(ctx, "/ws/file.go")
	require.NoError(t, err)
	again()
}

func TestManager_StallWarningKeepsWaiting(t *testing.T) {
	m := newTestManager(t, func(c *Config) {
		c.StallWarning = 20 * time.Millisecond
	})
	ctx := context.Background()

	release, err := m.AcquireWrite(ctx, "/ws/slow.go")
	require.NoError(t, err)

	go func() {
		time.Sleep(80 * time.Millisecond)
		release()
	}()

	second, err := m.AcquireWrite(ctx, "/ws/slow.go")
	require.NoError(t, err, "stall warning must not cancel the acquisition")
	second()
}

func TestManager_StalledWriterKeepsItsPlace(t *testing.T) {
	m := newTestManager(t, func(c *Config) {
		c.StallWarning = 20 * time.Millisecond
	})
	ctx := context.Background()

	releaseRead, err := m.AcquireRead(ctx, "/ws/file.go")
	require.NoError(t, err)

	writerAcquired := make(chan func(), 1)
	go func() {
		release, err := m.AcquireWrite(ctx, "/ws/file.go")
		if err != nil {
			return
		}
		writerAcquired <- release
	}()

	require.Eventually(t, func() bool {
		return m.Stats().Waiting == 1
	}, time.Second, 5*time.Millisecond)

	// Let the stall warning fire.
	time.Sleep(60 * time.Millisecond)

	shortCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	_, err = m.AcquireRead(shortCtx, "/ws/file.go")
	cancel()
	assert.ErrorIs(t, err, context.DeadlineExceeded, "reader must stay behind the stalled writer")

	releaseRead()
	select {
	case release := <-writerAcquired:
		release()
	case <-time.After(2 * time.Second):
		t.Fatal("writer was not granted after the reader released")
	}
}

func TestManager_Prune(t *testing.T) {
	t.Run("disabled by default", func(t *testing.T) {
		m := newTestManager(t, nil)
		release, err := m.AcquireWrite(context.Background(), "/ws/a.go")
		require.NoError(t, err)
		release()

		assert.Equal(t, 0, m.Prune())
		assert.Equal(t, 1, m.Len())
	})

	t.Run("removes idle entries only", func(t *testing.T) {
		m := newTestManager(t, func(c *Config) {
			c.EvictIdle = true
			c.PruneInterval = time.Hour
		})
		ctx := context.Background()

		idle, err := m.AcquireWrite(ctx, "/ws/idle.go")
		require.NoError(t, err)
		idle()

		held, err := m.AcquireRead(ctx, "/ws/held.go")
		require.NoError(t, err)
		defer held()

		pinned := m.Get("/ws/pinned.go")

		assert.Equal(t, 1, m.Prune())
		assert.Equal(t, 2, m.Len())
		assert.Equal(t, int64(1), m.Stats().Evicted)

		m.Put(pinned)
		assert.Equal(t, 1, m.Prune())
		assert.Equal(t, 1, m.Len())
	})

	t.Run("pruned path gets a fresh lock", func(t *testing.T) {
		m := newTestManager(t, func(c *Config) {
			c.EvictIdle = true
			c.PruneInterval = time.Hour
		})
		first := m.Get("/ws/a.go")
		m.Put(first)
		require.Equal(t, 1, m.Prune())

		second := m.Get("/ws/a.go")
		defer m.Put(second)
		assert.NotSame(t, first, second)
	})
}

func TestManager_ExternalChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "watched.txt")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0644))

	m := newTestManager(t, func(c *Config) {
		c.WatchExternal = true
		c.OwnWriteGrace = 0
	})

	l := m.Get(path)
	defer m.Put(l)

	var events atomic.Int32
	require.NoError(t, m.OnExternalChange(path, func(ev ExternalChangeEvent) {
		assert.Equal(t, filepath.Clean(path), ev.Path)
		events.Add(1)
	}))

	require.NoError(t, os.WriteFile(path, []byte("v2 from elsewhere"), 0644))

	assert.Eventually(t, func() bool { return events.Load() > 0 },
		3*time.Second, 20*time.Millisecond)
}

func TestManager_OnExternalChangeDisabled(t *testing.T) {
	m := newTestManager(t, nil)
	err := m.OnExternalChange("/ws/a.go", func(ExternalChangeEvent) {})
	assert.Error(t, err)
}

func TestManager_Closed(t *testing.T) {
	m, err := NewManager(DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	_, err = m.AcquireRead(context.Background(), "/ws/a.go")
	assert.ErrorIs(t, err, ErrManagerClosed)
}

func TestManager_StatsCountsWaiters(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()

	release, err := m.AcquireRead(ctx, "/ws/a.go")
	require.NoError(t, err)

	acquired := make(chan func(), 1)
	go func() {
		unlock, err := m.AcquireWrite(ctx, "/ws/a.go")
		if err == nil {
			acquired <- unlock
		}
	}()

	require.Eventually(t, func() bool { return m.Stats().Waiting == 1 }, 2*time.Second, 5*time.Millisecond)
	stats := m.Stats()
	assert.Equal(t, 1, stats.ReadHeld)
	assert.Equal(t, 0, stats.WriteHeld)

	release()
	unlock := <-acquired
	assert.Equal(t, 1, m.Stats().WriteHeld)
	unlock()
	assert.Eventually(t, func() bool { return m.Stats().Waiting == 0 }, time.Second, 5*time.Millisecond)
}
