package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestValidateCronExpression(t *testing.T) {
	require.NoError(t, ValidateCronExpression("*/5 * * * *"))
	require.NoError(t, ValidateCronExpression("@every 30s"))
	require.Error(t, ValidateCronExpression("every five minutes"))
	require.Error(t, ValidateCronExpression("* * * *"))
}

func TestNextRunTime(t *testing.T) {
	from := time.Date(2026, 3, 10, 15, 2, 0, 0, time.UTC)
	next, err := NextRunTime("*/5 * * * *", from)
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 3, 10, 15, 5, 0, 0, time.UTC), next)

	_, err = NextRunTime("bogus", from)
	require.Error(t, err)
}

func TestServiceAdd(t *testing.T) {
	ctx := context.Background()
	svc := NewService()
	noop := func(context.Context) error { return nil }

	require.NoError(t, svc.Add(ctx, Job{Name: "autopilot", Spec: "*/5 * * * *", Run: noop}))
	require.NoError(t, svc.Add(ctx, Job{Name: "disabled", Spec: "", Run: noop}))
	require.Error(t, svc.Add(ctx, Job{Name: "broken", Spec: "61 * * * *", Run: noop}))

	require.Len(t, svc.Jobs(), 1)
	require.Equal(t, "autopilot", svc.Jobs()[0].Name)
}

func TestServiceRunsJobs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc := NewService()
	ran := make(chan struct{}, 1)
	require.NoError(t, svc.Add(ctx, Job{Name: "tick", Spec: "@every 1s", Run: func(context.Context) error {
		select {
		case ran <- struct{}{}:
		default:
		}
		return nil
	}}))
	svc.Start()
	defer svc.Stop(ctx)

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("job did not run")
	}
}
