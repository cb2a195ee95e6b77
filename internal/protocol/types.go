package protocol

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"
)

// Timestamp accepts RFC 3339 strings, ISO 8601 strings without an offset
// (read as UTC), Unix seconds, or Unix milliseconds. A value in any other
// shape leaves the time zero and keeps the text in Raw rather than failing
// the whole frame.
type Timestamp struct {
	time.Time
	Raw string `json:"-"`
}

// Values above this are treated as milliseconds (year 2286 in seconds).
const millisThreshold = 1e10

// Layouts tried after RFC 3339, all read as UTC.
var localLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) || len(data) == 0 {
		return nil
	}

	s := string(data)
	if data[0] == '"' {
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			return nil
		}
		if parsed, ok := parseTime(s); ok {
			t.Time = parsed
			return nil
		}
	}

	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		t.Raw = s
		return nil
	}
	t.Time = fromUnix(n)
	return nil
}

// Invalid reports whether a value was present but could not be read.
func (t Timestamp) Invalid() bool {
	return t.Raw != ""
}

func parseTime(s string) (time.Time, bool) {
	if parsed, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return parsed, true
	}
	for _, layout := range localLayouts {
		if parsed, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return parsed, true
		}
	}
	return time.Time{}, false
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

func fromUnix(n float64) time.Time {
	if n > millisThreshold {
		return time.UnixMilli(int64(n)).UTC()
	}
	sec := int64(n)
	nsec := int64((n - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}

// UserRef is a sender reference that servers send either as a bare user id
// or as a {user_id, user_name} object.
type UserRef struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
}

func (u *UserRef) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &u.UserID)
	}
	type plain UserRef
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*u = UserRef(p)
	return nil
}
