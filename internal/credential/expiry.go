package credential

import (
	"time"
)

// expiryLayouts are the accepted literal layouts for exp_at values, tried in
// order before RFC3339.
var expiryLayouts = []string{
	"2006-01-02 / 15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006/01/02 15:04:05",
}

// ParseExpiry parses an expiration timestamp in any accepted layout.
// A bare date expires at the end of that day. Returns nil for an empty or
// unparsable value; expiration is advisory, never fatal.
func ParseExpiry(raw string) *time.Time {
	if raw == "" {
		return nil
	}

	for _, layout := range expiryLayouts {
		if t, err := time.ParseInLocation(layout, raw, time.Local); err == nil {
			return &t
		}
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &t
	}
	if d, err := time.ParseInLocation("2006-01-02", raw, time.Local); err == nil {
		t := d.Add(23*time.Hour + 59*time.Minute + 59*time.Second)
		return &t
	}

	return nil
}

// ExpiryTier classifies how close a credential is to expiring.
type ExpiryTier int

const (
	ExpiryUnknown ExpiryTier = iota
	ExpiryOK
	ExpirySoon // less than 24h left
	ExpiryExpired
)

// ExpiryStatus returns the tier and remaining time for a credential at now.
func (c *Credential) ExpiryStatus(now time.Time) (ExpiryTier, time.Duration) {
	if c.ExpiresAt == nil {
		return ExpiryUnknown, 0
	}

	left := c.ExpiresAt.Sub(now)
	switch {
	case left < 0:
		return ExpiryExpired, left
	case left < 24*time.Hour:
		return ExpirySoon, left
	default:
		return ExpiryOK, left
	}
}
