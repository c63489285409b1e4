package auth

import (
	"errors"
	"strings"

	"github.com/ANIKETSHETTY47/sensor-alert-pipeline/internal/metrics"
	"github.com/ANIKETSHETTY47/sensor-alert-pipeline/internal/registry"
)

type Kind int

const (
	KindInvalid Kind = iota + 1
	KindRevoked
	KindTenantSuspended
)

func (k Kind) String() string {
	switch k {
	case KindInvalid:
		return "invalid"
	case KindRevoked:
		return "revoked"
	case KindTenantSuspended:
		return "tenant_suspended"
	}
	return "unknown"
}

// Error is an authentication rejection. It matches the sentinels below with
// errors.Is.
type Error struct {
	Kind   Kind
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return "auth: " + e.Kind.String()
	}
	return "auth: " + e.Kind.String() + ": " + e.Detail
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind && t.Detail == ""
}

var (
	ErrInvalid         = &Error{Kind: KindInvalid}
	ErrRevoked         = &Error{Kind: KindRevoked}
	ErrTenantSuspended = &Error{Kind: KindTenantSuspended}
)

// Result identifies the authenticated device.
type Result struct {
	TenantID    string
	DeviceID    string
	SensorScope []string
}

// Allows reports whether the credential may submit readings for the sensor.
// An empty scope covers the whole tenant.
func (r Result) Allows(sensorID string) bool {
	if len(r.SensorScope) == 0 {
		return true
	}
	for _, s := range r.SensorScope {
		if s == sensorID {
			return true
		}
	}
	return false
}

type SnapshotProvider interface {
	Snapshot() *registry.Snapshot
}

// Authenticator checks device credentials against the registry snapshot. A
// revoked credential keeps working until the next refresh; revocation latency
// is bounded by the registry TTL.
type Authenticator struct {
	reg SnapshotProvider
}

func New(reg SnapshotProvider) *Authenticator {
	return &Authenticator{reg: reg}
}

// Authenticate validates credential. tenantHint, when set, must match the
// credential's tenant.
func (a *Authenticator) Authenticate(tenantHint, credential string) (Result, error) {
	res, err := a.authenticate(tenantHint, credential)
	var ae *Error
	switch {
	case err == nil:
		metrics.AuthCheck("ok")
	case errors.As(err, &ae):
		metrics.AuthCheck(ae.Kind.String())
	}
	return res, err
}

func (a *Authenticator) authenticate(tenantHint, credential string) (Result, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return Result{}, &Error{Kind: KindInvalid, Detail: "missing credential"}
	}
	snap := a.reg.Snapshot()
	cred, ok := snap.Credential(registry.HashCredential(credential))
	if !ok {
		return Result{}, ErrInvalid
	}
	if tenantHint != "" && tenantHint != cred.TenantID {
		return Result{}, &Error{Kind: KindInvalid, Detail: "tenant mismatch"}
	}
	if cred.Revoked {
		return Result{}, ErrRevoked
	}
	tenant, ok := snap.Tenant(cred.TenantID)
	if !ok {
		return Result{}, &Error{Kind: KindInvalid, Detail: "unknown tenant"}
	}
	if tenant.Suspended {
		return Result{}, ErrTenantSuspended
	}
	return Result{
		TenantID:    cred.TenantID,
		DeviceID:    cred.DeviceID,
		SensorScope: cred.SensorScope,
	}, nil
}

// ParseAuthorization extracts the key from an "Authorization: Device <key>"
// header value.
func ParseAuthorization(header string) (string, bool) {
	scheme, key, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Device") {
		return "", false
	}
	key = strings.TrimSpace(key)
	return key, key != ""
}
