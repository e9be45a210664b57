package syncer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestRunnerSyncsUntilCancelled(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	st, closeDB := openStore(t)
	defer closeDB()
	remote := newFakeRemote()
	svc := New(st, remote, "dev-1", Options{Logger: zaptest.NewLogger(t)})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var reports []Report
	runner := Runner{
		Service:  svc,
		Interval: 10 * time.Millisecond,
		Logger:   zaptest.NewLogger(t),
		OnCycle: func(rep Report) {
			reports = append(reports, rep)
			if len(reports) == 3 {
				cancel()
			}
		},
	}

	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop after cancel")
	}
	require.Len(t, reports, 3)
	for _, rep := range reports {
		require.False(t, rep.Skipped)
	}
}

func TestRunnerDoesNotSyncWithCancelledContext(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	st, closeDB := openStore(t)
	defer closeDB()
	remote := newFakeRemote()
	calls := 0
	remote.listHook = func() { calls++ }
	svc := New(st, remote, "dev-1", Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, Runner{Service: svc, Interval: time.Hour}.Run(ctx))
	require.Zero(t, calls)
}
