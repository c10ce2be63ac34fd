package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/dirsync/pkg/client"
)

func testRetrier(maxRetries int) (*retrier, *[]time.Duration) {
	r := newRetrier(100, 800, maxRetries, zerolog.Nop())
	var slept []time.Duration
	r.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return r, &slept
}

func TestRetrierStopsAfterSuccess(t *testing.T) {
	r, slept := testRetrier(3)
	var attempts int
	err := r.do(context.Background(), "test", func(context.Context) error {
		attempts++
		if attempts < 2 {
			return &client.Error{Status: http.StatusServiceUnavailable}
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, attempts)
	require.Len(t, *slept, 1)
	require.GreaterOrEqual(t, (*slept)[0], 50*time.Millisecond)
	require.LessOrEqual(t, (*slept)[0], 100*time.Millisecond)
}

func TestRetrierGivesUpAfterMaxRetries(t *testing.T) {
	r, slept := testRetrier(2)
	var attempts int
	err := r.do(context.Background(), "test", func(context.Context) error {
		attempts++
		return &net.DNSError{IsTemporary: true}
	})
	require.Error(t, err)
	require.Equal(t, 3, attempts)
	require.Len(t, *slept, 2)
	for _, d := range *slept {
		require.LessOrEqual(t, d, 800*time.Millisecond)
	}
}

func TestRetrierDoesNotRetryPermanentErrors(t *testing.T) {
	r, slept := testRetrier(3)
	var attempts int
	err := r.do(context.Background(), "test", func(context.Context) error {
		attempts++
		return &client.Error{Status: http.StatusUnprocessableEntity, Code: "integrity_error"}
	})
	require.Error(t, err)
	require.Equal(t, 1, attempts)
	require.Empty(t, *slept)

	attempts = 0
	err = r.do(context.Background(), "test", func(context.Context) error {
		attempts++
		return errors.New("generic")
	})
	require.Error(t, err)
	require.Equal(t, 1, attempts)
}

func TestRetrierReturnsWhenRetryAfterIsTooFar(t *testing.T) {
	r, slept := testRetrier(3)
	var attempts int
	err := r.do(context.Background(), "test", func(context.Context) error {
		attempts++
		return &client.Error{Status: http.StatusServiceUnavailable, RetryAfter: time.Now().Add(time.Hour)}
	})
	require.Error(t, err)
	require.Equal(t, 1, attempts)
	require.Empty(t, *slept)
}

func TestSleepContextHonorsCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	require.ErrorIs(t, sleepContext(ctx, time.Minute), context.Canceled)
	require.Less(t, time.Since(start), time.Second)
	require.NoError(t, sleepContext(context.Background(), time.Millisecond))
}
