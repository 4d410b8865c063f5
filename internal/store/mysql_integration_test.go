//go:build integration

package store_test

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"outreach/internal/domain"
	"outreach/internal/store"
)

func TestMySQLQueueLifecycleIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	container, db := startMySQLContainer(t, ctx)
	t.Cleanup(func() {
		_ = db.Close()
		_ = container.Terminate(ctx)
	})

	st := store.New(db, store.MySQL)
	require.NoError(t, st.EnsureSchema(ctx))
	// Idempotent on a second run.
	require.NoError(t, st.EnsureSchema(ctx))

	now := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	_, err := st.UpsertLead(ctx, domain.Lead{ID: "led_1", AccountID: "acct", Phone: "+15550100001", CreatedAt: now})
	require.NoError(t, err)
	_, err = st.UpsertLead(ctx, domain.Lead{ID: "led_1", AccountID: "acct", Phone: "+15550100001", Email: "a@example.com"})
	require.NoError(t, err)

	key := "autopilot:led_1:step:0"
	m := domain.OutboundAttempt{
		AccountID: "acct", LeadID: "led_1", Recipient: "+15550100001", Body: "hi", Category: domain.CategoryOpener,
		DedupKey: &key, SentBy: domain.SentByAI, OperatorID: domain.OperatorAuto, MaxAttempts: 3,
		RunAfter: now, CreatedAt: now,
	}
	first, created, err := st.InsertMessage(ctx, m)
	require.NoError(t, err)
	require.True(t, created)
	again, created, err := st.InsertMessage(ctx, m)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, again.ID)

	ok, err := st.ClaimMessage(ctx, first.ID, now)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = st.ClaimMessage(ctx, first.ID, now)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = st.MarkSent(ctx, first.ID, "SM1", now)
	require.NoError(t, err)
	require.True(t, ok)
	_, changed, err := st.UpdateDeliveryStatus(ctx, "SM1", domain.MessageDelivered, "", now.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, changed)
	_, changed, err = st.UpdateDeliveryStatus(ctx, "SM1", domain.MessageFailed, "30003", now.Add(2*time.Minute))
	require.NoError(t, err)
	require.False(t, changed)

	n, err := st.CountAutomatedSince(ctx, "led_1", now.Add(-time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.NoError(t, st.UpsertPolicy(ctx, domain.AccountPolicy{AccountID: "acct", Timezone: "America/Chicago", DailyCap: 3}))
	require.NoError(t, st.UpsertPolicy(ctx, domain.AccountPolicy{AccountID: "acct", Timezone: "America/Chicago", DailyCap: 4}))
	p, err := st.GetPolicy(ctx, "acct")
	require.NoError(t, err)
	require.Equal(t, 4, p.DailyCap)
}

func TestMySQLCursorEnrollIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	container, db := startMySQLContainer(t, ctx)
	t.Cleanup(func() {
		_ = db.Close()
		_ = container.Terminate(ctx)
	})

	st := store.New(db, store.MySQL)
	require.NoError(t, st.EnsureSchema(ctx))

	now := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	_, err := st.UpsertLead(ctx, domain.Lead{ID: "led_1", AccountID: "acct", Phone: "+15550100001", CreatedAt: now})
	require.NoError(t, err)

	c := domain.FollowupCursor{
		ID: "cur_1", LeadID: "led_1", AccountID: "acct", Status: domain.CursorActive, MaxAttempts: 3,
		CadenceHours: []int{24, 72, 168}, NextAt: now.Add(24 * time.Hour), CreatedAt: now, UpdatedAt: now,
	}
	_, created, err := st.EnrollCursor(ctx, c)
	require.NoError(t, err)
	require.True(t, created)
	c.ID = "cur_2"
	existing, created, err := st.EnrollCursor(ctx, c)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, "cur_1", existing.ID)

	stopped, err := st.FinishCursor(ctx, "cur_1", domain.CursorStopped, now)
	require.NoError(t, err)
	require.True(t, stopped)
	_, active, err := st.ActiveCursorForLead(ctx, "led_1")
	require.NoError(t, err)
	require.False(t, active)
}

func startMySQLContainer(t *testing.T, ctx context.Context) (testcontainers.Container, *sql.DB) {
	t.Helper()
	port := nat.Port("3306/tcp")
	req := testcontainers.ContainerRequest{
		Image:        "mysql:8.0.36",
		ExposedPorts: []string{string(port)},
		Env: map[string]string{
			"MYSQL_ROOT_PASSWORD": "secret",
			"MYSQL_DATABASE":      "outreach",
		},
		WaitingFor: wait.ForSQL(port, "mysql", func(host string, port nat.Port) string {
			return fmt.Sprintf("root:secret@tcp(%s:%s)/outreach", host, port.Port())
		}).WithStartupTimeout(2 * time.Minute),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("start mysql container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("resolve host: %v", err)
	}
	mappedPort, err := container.MappedPort(ctx, port)
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("resolve port: %v", err)
	}

	db, err := sql.Open("mysql", fmt.Sprintf("root:secret@tcp(%s:%s)/outreach", host, mappedPort.Port()))
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("open db: %v", err)
	}
	return container, db
}
