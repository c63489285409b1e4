package delivery

import (
	"time"

	"github.com/ANIKETSHETTY47/sensor-alert-pipeline/internal/domain"
)

// Job is one (subscription, alert event) delivery chain. It is persisted
// before its first attempt and after every failed one, so a restart resumes
// where the process stopped.
type Job struct {
	ID             string           `db:"id" json:"id"`
	SubscriptionID string           `db:"subscription_id" json:"subscription_id"`
	TenantID       string           `db:"tenant_id" json:"tenant_id"`
	AlertID        string           `db:"alert_id" json:"alert_id"`
	EventType      domain.EventType `db:"event_type" json:"event_type"`
	Payload        WebhookPayload   `db:"-" json:"payload"`
	Attempts       int              `db:"attempts" json:"attempts"`
	NextAttemptAt  time.Time        `db:"next_attempt_at" json:"next_attempt_at"`
	CreatedAt      time.Time        `db:"created_at" json:"created_at"`
	LastStatus     int              `db:"last_status" json:"last_status"`
	LastError      string           `db:"last_error" json:"last_error,omitempty"`
}

// jobHeap orders jobs by NextAttemptAt.
type jobHeap []*Job

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool { return h[i].NextAttemptAt.Before(h[j].NextAttemptAt) }

func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x any) { *h = append(*h, x.(*Job)) }

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
