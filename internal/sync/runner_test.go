package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chuanqiongzhr/eve-service/internal/resource"
)

func TestRunner_Run_Success(t *testing.T) {
	target := Target{Principal: pilotA, Resource: resource.WalletJournal}
	r := &runner{target: target}

	report := r.run(context.Background(), func(_ context.Context) (*Result, error) {
		return &Result{NewRecords: 3, Pages: 2}, nil
	})

	assert.Equal(t, target, report.Target)
	require.NoError(t, report.Err)
	require.NotNil(t, report.Result)
	assert.Equal(t, 3, report.Result.NewRecords)
}

func TestRunner_Run_Error(t *testing.T) {
	r := &runner{target: Target{Principal: pilotA, Resource: resource.WalletJournal}}
	errSync := errors.New("cursor table locked")

	report := r.run(context.Background(), func(_ context.Context) (*Result, error) {
		return &Result{Pages: 1}, errSync
	})

	require.ErrorIs(t, report.Err, errSync)
	require.NotNil(t, report.Result, "partial result is kept next to the error")
	assert.Equal(t, 1, report.Result.Pages)
}

func TestRunner_Run_Panic(t *testing.T) {
	r := &runner{target: Target{Principal: pilotA, Resource: resource.WalletJournal}}

	report := r.run(context.Background(), func(_ context.Context) (*Result, error) {
		panic("nil map write in decoder")
	})

	require.Error(t, report.Err)
	assert.Contains(t, report.Err.Error(), "panic in sync of esi:2112625428/wallet_journal")
	assert.Contains(t, report.Err.Error(), "nil map write in decoder")
	assert.Nil(t, report.Result)
}

func TestBackoffDuration(t *testing.T) {
	tests := []struct {
		failures int
		want     time.Duration
	}{
		{0, 0},
		{2, 0},
		{3, time.Minute},
		{4, 5 * time.Minute},
		{5, 15 * time.Minute},
		{6, time.Hour},
		{50, time.Hour},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, backoffDuration(tt.failures), "failures=%d", tt.failures)
	}
}
