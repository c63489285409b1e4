package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ANIKETSHETTY47/sensor-alert-pipeline/internal/alerting"
	"github.com/ANIKETSHETTY47/sensor-alert-pipeline/internal/delivery"
	"github.com/ANIKETSHETTY47/sensor-alert-pipeline/internal/domain"
	"github.com/ANIKETSHETTY47/sensor-alert-pipeline/internal/registry"
)

// Store is everything the pipeline persists: readings, alerts, delivery jobs
// and their audit trail, plus the registry tables it reads.
type Store interface {
	alerting.Store
	delivery.JobStore
	registry.Source
	AppendReading(ctx context.Context, r domain.Reading) error
	ListActiveSubscriptions(ctx context.Context, tenantID string) ([]domain.WebhookSubscription, error)
	DeliveryAttempts(ctx context.Context, alertID string) ([]domain.DeliveryAttempt, error)
}

// Repos is the Postgres store.
type Repos struct {
	db *sqlx.DB
}

func New(db *sqlx.DB) *Repos { return &Repos{db: db} }

func (r *Repos) AppendReading(ctx context.Context, rd domain.Reading) error {
	quality, err := encodeJSON(rd.Quality)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO readings (tenant_id, sensor_id, device_id, value, unit, observed_at, received_at, quality)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (tenant_id, sensor_id, observed_at) DO NOTHING`,
		rd.TenantID, rd.SensorID, rd.DeviceID, rd.Value, rd.Unit, rd.ObservedAt, rd.ReceivedAt, quality)
	if err != nil {
		return fmt.Errorf("insert reading: %w", err)
	}
	return nil
}

type alertRow struct {
	domain.Alert
	SeverityName string `db:"severity"`
	EvidenceJSON string `db:"evidence"`
}

func toAlertRow(a domain.Alert) (alertRow, error) {
	ev, err := encodeJSON(a.Evidence)
	if err != nil {
		return alertRow{}, err
	}
	return alertRow{Alert: a, SeverityName: a.Severity.String(), EvidenceJSON: ev}, nil
}

func (row alertRow) alert() (domain.Alert, error) {
	a := row.Alert
	sev, err := domain.ParseSeverity(row.SeverityName)
	if err != nil {
		return domain.Alert{}, fmt.Errorf("alert %s: %w", a.ID, err)
	}
	a.Severity = sev
	if err := json.Unmarshal([]byte(row.EvidenceJSON), &a.Evidence); err != nil {
		return domain.Alert{}, fmt.Errorf("alert %s evidence: %w", a.ID, err)
	}
	return a, nil
}

const alertColumns = `id, tenant_id, sensor_id, rule_id, algorithm, severity, detected_at, last_seen_at,
	value, z_or_slope, status, evidence, acknowledged_at, acknowledged_by, resolved_at, resolved_by`

func (r *Repos) CreateAlert(ctx context.Context, a domain.Alert) error {
	row, err := toAlertRow(a)
	if err != nil {
		return err
	}
	_, err = r.db.NamedExecContext(ctx, `
		INSERT INTO alerts (`+alertColumns+`)
		VALUES (:id, :tenant_id, :sensor_id, :rule_id, :algorithm, :severity, :detected_at, :last_seen_at,
			:value, :z_or_slope, :status, :evidence, :acknowledged_at, :acknowledged_by, :resolved_at, :resolved_by)`, row)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

func (r *Repos) UpdateAlert(ctx context.Context, a domain.Alert) error {
	row, err := toAlertRow(a)
	if err != nil {
		return err
	}
	res, err := r.db.NamedExecContext(ctx, `
		UPDATE alerts SET
			severity = :severity, last_seen_at = :last_seen_at, value = :value, z_or_slope = :z_or_slope,
			status = :status, evidence = :evidence,
			acknowledged_at = :acknowledged_at, acknowledged_by = :acknowledged_by,
			resolved_at = :resolved_at, resolved_by = :resolved_by
		WHERE id = :id`, row)
	if err != nil {
		return fmt.Errorf("update alert: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("update alert %s: %w", a.ID, domain.ErrNotFound)
	}
	return nil
}

func (r *Repos) GetAlert(ctx context.Context, id string) (domain.Alert, error) {
	var row alertRow
	err := r.db.GetContext(ctx, &row, `SELECT `+alertColumns+` FROM alerts WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Alert{}, fmt.Errorf("alert %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Alert{}, fmt.Errorf("get alert: %w", err)
	}
	return row.alert()
}

func (r *Repos) ListAlerts(ctx context.Context, tenantID string) ([]domain.Alert, error) {
	return r.selectAlerts(ctx, `SELECT `+alertColumns+` FROM alerts WHERE tenant_id = $1 ORDER BY detected_at DESC`, tenantID)
}

func (r *Repos) ListUnresolvedAlerts(ctx context.Context) ([]domain.Alert, error) {
	return r.selectAlerts(ctx, `SELECT `+alertColumns+` FROM alerts WHERE status <> 'resolved' ORDER BY detected_at`)
}

func (r *Repos) selectAlerts(ctx context.Context, query string, args ...any) ([]domain.Alert, error) {
	var rows []alertRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	out := make([]domain.Alert, 0, len(rows))
	for _, row := range rows {
		a, err := row.alert()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

type jobRow struct {
	delivery.Job
	PayloadJSON string `db:"payload"`
}

const jobColumns = `id, subscription_id, tenant_id, alert_id, event_type, payload, attempts,
	next_attempt_at, created_at, last_status, last_error`

func (r *Repos) SaveJob(ctx context.Context, job delivery.Job) error {
	payload, err := encodeJSON(job.Payload)
	if err != nil {
		return err
	}
	_, err = r.db.NamedExecContext(ctx, `
		INSERT INTO delivery_jobs (`+jobColumns+`)
		VALUES (:id, :subscription_id, :tenant_id, :alert_id, :event_type, :payload, :attempts,
			:next_attempt_at, :created_at, :last_status, :last_error)
		ON CONFLICT (id) DO UPDATE SET
			attempts = EXCLUDED.attempts, next_attempt_at = EXCLUDED.next_attempt_at,
			last_status = EXCLUDED.last_status, last_error = EXCLUDED.last_error`,
		jobRow{Job: job, PayloadJSON: payload})
	if err != nil {
		return fmt.Errorf("save delivery job: %w", err)
	}
	return nil
}

func (r *Repos) DeleteJob(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM delivery_jobs WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete delivery job: %w", err)
	}
	return nil
}

func (r *Repos) PendingJobs(ctx context.Context) ([]delivery.Job, error) {
	var rows []jobRow
	if err := r.db.SelectContext(ctx, &rows, `SELECT `+jobColumns+` FROM delivery_jobs ORDER BY next_attempt_at`); err != nil {
		return nil, fmt.Errorf("list delivery jobs: %w", err)
	}
	out := make([]delivery.Job, 0, len(rows))
	for _, row := range rows {
		job := row.Job
		if err := json.Unmarshal([]byte(row.PayloadJSON), &job.Payload); err != nil {
			return nil, fmt.Errorf("delivery job %s payload: %w", job.ID, err)
		}
		out = append(out, job)
	}
	return out, nil
}

func (r *Repos) AppendDeliveryAttempt(ctx context.Context, a domain.DeliveryAttempt) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO delivery_attempts (job_id, webhook_id, alert_id, attempt_number, sent_at, response_status, succeeded, error)
		VALUES (:job_id, :webhook_id, :alert_id, :attempt_number, :sent_at, :response_status, :succeeded, :error)
		ON CONFLICT (job_id, attempt_number) DO NOTHING`, a)
	if err != nil {
		return fmt.Errorf("insert delivery attempt: %w", err)
	}
	return nil
}

// DeliveryAttempts returns the audit trail of one alert, oldest first.
func (r *Repos) DeliveryAttempts(ctx context.Context, alertID string) ([]domain.DeliveryAttempt, error) {
	var out []domain.DeliveryAttempt
	err := r.db.SelectContext(ctx, &out, `
		SELECT job_id, webhook_id, alert_id, attempt_number, sent_at, response_status, succeeded, error
		FROM delivery_attempts WHERE alert_id = $1 ORDER BY sent_at, attempt_number`, alertID)
	if err != nil {
		return nil, fmt.Errorf("list delivery attempts: %w", err)
	}
	return out, nil
}

type subscriptionRow struct {
	domain.WebhookSubscription
	EventTypesJSON string `db:"event_types"`
}

func (row subscriptionRow) subscription() (domain.WebhookSubscription, error) {
	s := row.WebhookSubscription
	if err := json.Unmarshal([]byte(row.EventTypesJSON), &s.EventTypes); err != nil {
		return domain.WebhookSubscription{}, fmt.Errorf("subscription %s event types: %w", s.ID, err)
	}
	return s, nil
}

func (r *Repos) ListActiveSubscriptions(ctx context.Context, tenantID string) ([]domain.WebhookSubscription, error) {
	var rows []subscriptionRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id, tenant_id, url, secret, event_types, active
		FROM webhook_subscriptions WHERE tenant_id = $1 AND active ORDER BY id`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	return subscriptions(rows)
}

func subscriptions(rows []subscriptionRow) ([]domain.WebhookSubscription, error) {
	out := make([]domain.WebhookSubscription, 0, len(rows))
	for _, row := range rows {
		s, err := row.subscription()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

type credentialRow struct {
	domain.Credential
	ScopeJSON string `db:"sensor_scope"`
}

type sensorRow struct {
	domain.Sensor
	SamplingSeconds int `db:"sampling_seconds"`
}

type ruleRow struct {
	domain.AlertRule
	ParamsJSON      string `db:"params"`
	SeverityName    string `db:"severity"`
	CooldownSeconds int    `db:"cooldown_seconds"`
}

// LoadRegistryData reads the registry tables in one read-only transaction so
// the snapshot is consistent.
func (r *Repos) LoadRegistryData(ctx context.Context) (registry.Data, error) {
	tx, err := r.db.BeginTxx(ctx, &sql.TxOptions{ReadOnly: true, Isolation: sql.LevelRepeatableRead})
	if err != nil {
		return registry.Data{}, fmt.Errorf("begin registry load: %w", err)
	}
	defer tx.Rollback()

	var d registry.Data
	if err := tx.SelectContext(ctx, &d.Tenants, `SELECT id, name, suspended FROM tenants`); err != nil {
		return registry.Data{}, fmt.Errorf("load tenants: %w", err)
	}

	var creds []credentialRow
	if err := tx.SelectContext(ctx, &creds, `SELECT hash, tenant_id, device_id, sensor_scope, revoked FROM device_credentials`); err != nil {
		return registry.Data{}, fmt.Errorf("load credentials: %w", err)
	}
	for _, row := range creds {
		c := row.Credential
		if err := json.Unmarshal([]byte(row.ScopeJSON), &c.SensorScope); err != nil {
			return registry.Data{}, fmt.Errorf("credential for %s scope: %w", c.DeviceID, err)
		}
		d.Credentials = append(d.Credentials, c)
	}

	var sensors []sensorRow
	if err := tx.SelectContext(ctx, &sensors, `
		SELECT id, tenant_id, type, unit, min_value, max_value, sampling_seconds, revision FROM sensors`); err != nil {
		return registry.Data{}, fmt.Errorf("load sensors: %w", err)
	}
	for _, row := range sensors {
		s := row.Sensor
		s.SamplingInterval = time.Duration(row.SamplingSeconds) * time.Second
		d.Sensors = append(d.Sensors, s)
	}

	var rules []ruleRow
	if err := tx.SelectContext(ctx, &rules, `
		SELECT id, tenant_id, sensor_id, sensor_type, algorithm, params, severity, cooldown_seconds, priority, created_at
		FROM alert_rules ORDER BY created_at, id`); err != nil {
		return registry.Data{}, fmt.Errorf("load rules: %w", err)
	}
	for _, row := range rules {
		rule := row.AlertRule
		if !rule.Algorithm.Valid() {
			return registry.Data{}, fmt.Errorf("rule %s: unknown algorithm %q", rule.ID, rule.Algorithm)
		}
		sev, err := domain.ParseSeverity(row.SeverityName)
		if err != nil {
			return registry.Data{}, fmt.Errorf("rule %s: %w", rule.ID, err)
		}
		rule.Severity = sev
		rule.Cooldown = time.Duration(row.CooldownSeconds) * time.Second
		if err := json.Unmarshal([]byte(row.ParamsJSON), &rule.Params); err != nil {
			return registry.Data{}, fmt.Errorf("rule %s params: %w", rule.ID, err)
		}
		d.Rules = append(d.Rules, rule)
	}

	var subs []subscriptionRow
	if err := tx.SelectContext(ctx, &subs, `SELECT id, tenant_id, url, secret, event_types, active FROM webhook_subscriptions`); err != nil {
		return registry.Data{}, fmt.Errorf("load subscriptions: %w", err)
	}
	if d.Subscriptions, err = subscriptions(subs); err != nil {
		return registry.Data{}, err
	}
	return d, nil
}

func encodeJSON(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode json column: %w", err)
	}
	return string(raw), nil
}
