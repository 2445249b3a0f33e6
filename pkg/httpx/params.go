package httpx

import (
	"net/http"
	"time"

	"github.com/nicktill/tinyoee/pkg/model"
)

// ParseTime reads an RFC3339 query parameter. A missing parameter returns
// the zero time.
func ParseTime(r *http.Request, name string) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, model.Invalid(name, "expected RFC3339 timestamp, got %q", raw)
	}
	return t.UTC(), nil
}

// ParseRange reads the required from/to parameters as a half-open range no
// longer than maxRange.
func ParseRange(r *http.Request, maxRange time.Duration) (time.Time, time.Time, error) {
	from, err := ParseTime(r, "from")
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	to, err := ParseTime(r, "to")
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	switch {
	case from.IsZero():
		return time.Time{}, time.Time{}, model.Invalid("from", "required")
	case to.IsZero():
		return time.Time{}, time.Time{}, model.Invalid("to", "required")
	case !to.After(from):
		return time.Time{}, time.Time{}, model.Invalid("to", "must be after from")
	case maxRange > 0 && to.Sub(from) > maxRange:
		return time.Time{}, time.Time{}, model.Invalid("to", "range exceeds %s", maxRange)
	}
	return from, to, nil
}
