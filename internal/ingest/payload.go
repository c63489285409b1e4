package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// Payload is the wire format shared by every transport.
type Payload struct {
	DeviceID string `json:"device_id" validate:"required"`
	SensorID string `json:"sensor_id" validate:"required"`
	Readings []Item `json:"readings" validate:"required,min=1,dive"`
}

type Item struct {
	Value     *float64       `json:"value" validate:"required"`
	Timestamp Timestamp      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Timestamp accepts RFC 3339 strings or unix epoch numbers. Numbers above
// 1e12 are read as milliseconds, anything else as seconds.
type Timestamp struct {
	time.Time
}

const (
	millisCutoff = 1e12
	// maxEpochMillis keeps the instant representable in int64 nanoseconds.
	maxEpochMillis = math.MaxInt64 / 1e6
)

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("timestamp %q: %w", s, err)
		}
		t.Time = parsed
		return nil
	}
	n, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("timestamp %s: not a string or number", data)
	}
	if math.IsNaN(n) || math.IsInf(n, 0) || n < 0 || n > maxEpochMillis {
		return fmt.Errorf("timestamp %s: out of range", data)
	}
	if n >= millisCutoff {
		t.Time = time.UnixMilli(int64(n)).UTC()
		return nil
	}
	sec, frac := math.Modf(n)
	t.Time = time.Unix(int64(sec), int64(frac*1e9)).UTC()
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Time.UTC().Format(time.RFC3339Nano))
}

// Decode parses a raw JSON payload.
func Decode(raw []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, &ValidationError{Index: -1, Field: "body", Reason: err.Error(), Err: ErrMalformed}
	}
	return p, nil
}
