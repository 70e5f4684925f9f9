package rankbot

import (
	"context"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func newTestWorkerPool(t testing.TB, queueSize int) (*memberWorkerPool, prometheus.Gauge) {
	t.Helper()
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_member_workers"})
	p := newMemberWorkerPool(
		&WorkerConfig{
			IdleTimeout:    time.Minute,
			QueueSize:      queueSize,
			CommandTimeout: time.Second,
		},
		slog.Default(),
		gauge,
	)
	t.Cleanup(
		func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = p.Stop(ctx)
		},
	)
	return p, gauge
}

func TestMemberWorkerPool_Ordering(t *testing.T) {
	ctx := context.Background()
	p, gauge := newTestWorkerPool(t, 10)

	var mu sync.Mutex
	got := map[string][]int{}
	done := make(chan struct{}, 20)

	for i := range 10 {
		for _, member := range []string{"a", "b"} {
			require.NoError(
				t,
				p.Dispatch(
					ctx, testGuildID, member, memberJob{
						name: "record",
						run: func(context.Context) {
							mu.Lock()
							got[member] = append(got[member], i)
							mu.Unlock()
							done <- struct{}{}
						},
					},
				),
			)
		}
	}
	for range 20 {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for jobs")
		}
	}

	want := []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	mu.Lock()
	assert.Equal(t, want, got["a"])
	assert.Equal(t, want, got["b"])
	mu.Unlock()

	assert.Equal(t, 2, p.Len())
	assert.Equal(t, 2.0, testutil.ToFloat64(gauge))
}

func TestMemberWorkerPool_Concurrent(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestWorkerPool(t, 1)

	// a job for one member waits on a job for another, which only
	// finishes if the two run at the same time
	aStarted := make(chan struct{})
	bDone := make(chan struct{})
	aDone := make(chan struct{})

	require.NoError(
		t,
		p.Dispatch(
			ctx, testGuildID, "a", memberJob{
				name: "a",
				run: func(context.Context) {
					close(aStarted)
					<-bDone
					close(aDone)
				},
			},
		),
	)
	<-aStarted
	require.NoError(
		t,
		p.Dispatch(
			ctx, testGuildID, "b", memberJob{
				name: "b",
				run: func(context.Context) {
					close(bDone)
				},
			},
		),
	)

	select {
	case <-aDone:
	case <-time.After(5 * time.Second):
		t.Fatal("jobs for different members did not run concurrently")
	}
}

func TestMemberWorkerPool_Busy(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestWorkerPool(t, 1)

	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(
		t,
		p.Dispatch(
			ctx, testGuildID, "a", memberJob{
				name: "block",
				run: func(context.Context) {
					close(started)
					<-release
				},
			},
		),
	)
	<-started

	ran := make(chan struct{}, 1)
	require.NoError(
		t,
		p.Dispatch(
			ctx, testGuildID, "a", memberJob{
				name: "queued",
				run:  func(context.Context) { ran <- struct{}{} },
			},
		),
	)
	err := p.Dispatch(
		ctx, testGuildID, "a", memberJob{
			name: "rejected",
			run:  func(context.Context) { t.Error("rejected job ran") },
		},
	)
	require.ErrorIs(t, err, ErrMemberBusy)

	// other members are unaffected
	require.NoError(
		t,
		p.Dispatch(ctx, testGuildID, "b", memberJob{name: "other", run: func(context.Context) {}}),
	)

	close(release)
	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("queued job didn't run")
	}
}

func TestMemberWorkerPool_Do(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestWorkerPool(t, 2)

	release := make(chan struct{})
	var order []string
	var mu sync.Mutex
	record := func(s string) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, s)
	}
	require.NoError(
		t,
		p.Dispatch(
			ctx, testGuildID, "a", memberJob{
				name: "first",
				run: func(context.Context) {
					<-release
					record("first")
				},
			},
		),
	)
	close(release)

	err := p.Do(ctx, testGuildID, "a", memberJob{name: "second", run: func(context.Context) { record("second") }})
	require.NoError(t, err)
	mu.Lock()
	assert.Equal(t, []string{"first", "second"}, order)
	mu.Unlock()

	// waiting gives up with the caller's context
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	require.NoError(
		t,
		p.Dispatch(
			ctx, testGuildID, "b", memberJob{
				name: "block",
				run: func(jobCtx context.Context) {
					select {
					case <-block:
					case <-jobCtx.Done():
					}
				},
			},
		),
	)
	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err = p.Do(waitCtx, testGuildID, "b", memberJob{name: "waiting", run: func(context.Context) {}})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemberWorkerPool_JobTimeout(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestWorkerPool(t, 1)
	p.commandTimeout = 20 * time.Millisecond

	result := make(chan error, 1)
	require.NoError(
		t,
		p.Dispatch(
			ctx, testGuildID, "a", memberJob{
				name: "slow",
				run: func(jobCtx context.Context) {
					<-jobCtx.Done()
					result <- jobCtx.Err()
				},
			},
		),
	)
	select {
	case err := <-result:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(5 * time.Second):
		t.Fatal("job context was not canceled")
	}
}

func TestMemberWorkerPool_RecoversPanic(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestWorkerPool(t, 2)

	ran := make(chan struct{})
	require.NoError(
		t,
		p.Dispatch(
			ctx, testGuildID, "a", memberJob{
				name: "panics",
				run:  func(context.Context) { panic("boom") },
			},
		),
	)
	require.NoError(
		t,
		p.Dispatch(
			ctx, testGuildID, "a", memberJob{
				name: "after",
				run:  func(context.Context) { close(ran) },
			},
		),
	)
	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("worker didn't survive a panicking job")
	}
}

func TestMemberWorkerPool_IdleRetire(t *testing.T) {
	ctx := context.Background()
	p, gauge := newTestWorkerPool(t, 1)
	p.idleTimeout = 10 * time.Millisecond
	p.idleCheckInterval = 10 * time.Millisecond

	require.NoError(
		t,
		p.Dispatch(ctx, testGuildID, "a", memberJob{name: "noop", run: func(context.Context) {}}),
	)
	require.Eventually(
		t,
		func() bool { return p.Len() == 0 && testutil.ToFloat64(gauge) == 0 },
		5*time.Second,
		10*time.Millisecond,
	)

	// a retired member gets a fresh worker
	ran := make(chan struct{})
	require.NoError(
		t,
		p.Dispatch(ctx, testGuildID, "a", memberJob{name: "again", run: func(context.Context) { close(ran) }}),
	)
	<-ran
}

func TestMemberWorkerPool_StopDrains(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestWorkerPool(t, 5)

	started := make(chan struct{})
	release := make(chan struct{})
	var count int
	var mu sync.Mutex
	inc := func(context.Context) {
		mu.Lock()
		count++
		mu.Unlock()
	}

	require.NoError(
		t,
		p.Dispatch(
			ctx, testGuildID, "a", memberJob{
				name: "block",
				run: func(context.Context) {
					close(started)
					<-release
				},
			},
		),
	)
	<-started
	for range 3 {
		require.NoError(t, p.Dispatch(ctx, testGuildID, "a", memberJob{name: "inc", run: inc}))
	}

	stopped := make(chan error, 1)
	go func() {
		stopped <- p.Stop(ctx)
	}()
	close(release)

	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("stop timed out")
	}
	mu.Lock()
	assert.Equal(t, 3, count)
	mu.Unlock()

	err := p.Dispatch(ctx, testGuildID, "a", memberJob{name: "late", run: inc})
	assert.ErrorIs(t, err, ErrMemberBusy)
}

func TestMemberWorkerPool_StopTimeout(t *testing.T) {
	p, _ := newTestWorkerPool(t, 1)

	started := make(chan struct{})
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	require.NoError(
		t,
		p.Dispatch(
			context.Background(), testGuildID, "a", memberJob{
				name: "block",
				run: func(context.Context) {
					close(started)
					<-release
				},
			},
		),
	)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Stop(ctx), context.DeadlineExceeded)
}
