package subscription

import (
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"
)

// MetricKey names one metric series: its type, the dimensions it is
// reported under and an optional granularity.
type MetricKey struct {
	Type        string            `json:"type"`
	Dimensions  map[string]string `json:"dimensions,omitempty"`
	Granularity string            `json:"granularity,omitempty"`
}

// canonicalEscaper escapes the separators Canonical uses, so values that
// contain them cannot render like a different key.
var canonicalEscaper = strings.NewReplacer("%", "%25", "|", "%7C", ",", "%2C", "=", "%3D")

// Canonical renders the key as type|granularity|k1=v1,k2=v2 with dimension
// keys sorted, so equal keys always render identically.
func (k MetricKey) Canonical() string {
	keys := make([]string, 0, len(k.Dimensions))
	for name := range k.Dimensions {
		keys = append(keys, name)
	}
	sort.Strings(keys)

	pairs := make([]string, len(keys))
	for i, name := range keys {
		pairs[i] = canonicalEscaper.Replace(name) + "=" + canonicalEscaper.Replace(k.Dimensions[name])
	}
	return canonicalEscaper.Replace(k.Type) + "|" + canonicalEscaper.Replace(k.Granularity) + "|" + strings.Join(pairs, ",")
}

// Event is a published metric update. It is immutable once published.
type Event struct {
	TenantID    string          `json:"tenantId"`
	MetricKey   MetricKey       `json:"metricKey"`
	Payload     json.RawMessage `json:"payload"`
	PublishedAt time.Time       `json:"publishedAt"`
	Origin      string          `json:"origin,omitempty"`
}

// PartitionKey keeps one tenant's events on one broker partition.
func (e Event) PartitionKey() string { return e.TenantID }

func (e Event) Validate() error {
	if e.TenantID == "" {
		return errors.New("event tenant id is required")
	}
	if e.MetricKey.Type == "" {
		return errors.New("event metric type is required")
	}
	return nil
}
