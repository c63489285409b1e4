package delivery

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ANIKETSHETTY47/sensor-alert-pipeline/internal/domain"
)

func TestSubsystemKeepsWebhookEventsWhenStoreIsSlow(t *testing.T) {
	store := &gatedJobs{memJobs: newMemJobs(), gate: make(chan struct{})}
	subs := &staticSubs{}
	subs.set(domain.WebhookSubscription{ID: "hook-1", TenantID: "tenant-a", URL: "http://127.0.0.1:1", Active: true})
	disp := NewDispatcher(fastConfig(), store, subs, nil, zerolog.Nop())
	sys := NewSubsystem(NewHub(16, zerolog.Nop()), disp, 2, zerolog.Nop())
	sys.Start()

	for i := 0; i < 6; i++ {
		ev := alertEvent()
		ev.Alert.ID = fmt.Sprintf("alert-%d", i)
		sys.Publish(ev)
	}
	assert.GreaterOrEqual(t, sys.WebhookBacklog(), 4)

	close(store.gate)
	require.Eventually(t, func() bool {
		jobs, _ := store.snapshot()
		return len(jobs) == 6
	}, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, sys.WebhookBacklog())
	assert.Equal(t, 6, disp.Pending())

	require.NoError(t, sys.Shutdown(context.Background()))
}

func TestSubsystemShutdownDrainsWebhookBacklog(t *testing.T) {
	store := &gatedJobs{memJobs: newMemJobs(), gate: make(chan struct{})}
	subs := &staticSubs{}
	subs.set(domain.WebhookSubscription{ID: "hook-1", TenantID: "tenant-a", URL: "http://127.0.0.1:1", Active: true})
	disp := NewDispatcher(fastConfig(), store, subs, nil, zerolog.Nop())
	sys := NewSubsystem(NewHub(16, zerolog.Nop()), disp, 1, zerolog.Nop())
	sys.Start()

	for i := 0; i < 5; i++ {
		ev := alertEvent()
		ev.Alert.ID = fmt.Sprintf("alert-%d", i)
		sys.Publish(ev)
	}
	time.AfterFunc(50*time.Millisecond, func() { close(store.gate) })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, sys.Shutdown(ctx))

	jobs, _ := store.snapshot()
	assert.Len(t, jobs, 5)

	sys.Publish(alertEvent())
	assert.Zero(t, sys.WebhookBacklog(), "events after shutdown are ignored")
}
