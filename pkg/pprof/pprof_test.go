package pprof

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGenericProfile(t *testing.T) {
	b, err := GetProfileData(context.Background(), "goroutine", 0, 1)
	require.NoError(t, err)
	require.Contains(t, string(b), "goroutine")

	_, err = GetProfileData(context.Background(), "nope", 0, 0)
	require.Error(t, err)
}

func TestCpuProfile(t *testing.T) {
	b, err := GetProfileData(context.Background(), "cpu", time.Millisecond*50, 0)
	require.NoError(t, err)
	require.NotEmpty(t, b)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = GetCpuProfileData(ctx, time.Minute)
	require.ErrorIs(t, err, context.Canceled)
}
