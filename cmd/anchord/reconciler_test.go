package main

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmerrifield20/carbonanchor/internal/anchoring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type countingReconciler struct {
	calls atomic.Int32
	err   error
}

func (r *countingReconciler) Reconcile(context.Context) (*anchoring.ReconcileReport, error) {
	r.calls.Add(1)
	if r.err != nil {
		return nil, r.err
	}
	return &anchoring.ReconcileReport{Confirmed: 1}, nil
}

func TestStartReconciler_Runs(t *testing.T) {
	rec := &countingReconciler{}
	c, err := startReconciler(t.Context(), "* * * * * *", rec, zap.NewNop())
	require.NoError(t, err)
	defer c.Stop()

	assert.Eventually(t, func() bool { return rec.calls.Load() > 0 }, 3*time.Second, 50*time.Millisecond)
}

func TestStartReconciler_ErrorDoesNotStopSchedule(t *testing.T) {
	rec := &countingReconciler{err: errors.New("rpc down")}
	c, err := startReconciler(t.Context(), "* * * * * *", rec, zap.NewNop())
	require.NoError(t, err)
	defer c.Stop()

	assert.Eventually(t, func() bool { return rec.calls.Load() >= 2 }, 4*time.Second, 50*time.Millisecond)
}

func TestStartReconciler_BadSpec(t *testing.T) {
	_, err := startReconciler(t.Context(), "every five minutes", &countingReconciler{}, zap.NewNop())
	require.Error(t, err)
}
