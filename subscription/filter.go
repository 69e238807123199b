package subscription

import (
	"fmt"
	"sort"
)

// Constraint requires an event dimension to carry an exact value.
type Constraint struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Filter selects events of one tenant and metric type. Dimensions are
// conjunctive; a dimension the filter does not mention matches any value.
// An empty Granularity matches every granularity.
type Filter struct {
	TenantID    string
	MetricType  string
	Dimensions  []Constraint
	Granularity string
}

func NewFilter(tenantID, metricType string, dimensions map[string]string, granularity string) Filter {
	f := Filter{
		TenantID:    tenantID,
		MetricType:  metricType,
		Granularity: granularity,
	}
	for k, v := range dimensions {
		f.Dimensions = append(f.Dimensions, Constraint{Key: k, Value: v})
	}
	sort.Slice(f.Dimensions, func(i, j int) bool { return f.Dimensions[i].Key < f.Dimensions[j].Key })
	return f
}

// Normalize sorts the constraints by key and rejects filters without a
// metric type or with a repeated dimension key.
func (f *Filter) Normalize() error {
	if f.MetricType == "" {
		return fmt.Errorf("%w: metric type is required", ErrInvalidFilter)
	}
	sort.Slice(f.Dimensions, func(i, j int) bool { return f.Dimensions[i].Key < f.Dimensions[j].Key })
	for i, c := range f.Dimensions {
		if c.Key == "" {
			return fmt.Errorf("%w: empty dimension key", ErrInvalidFilter)
		}
		if i > 0 && f.Dimensions[i-1].Key == c.Key {
			return fmt.Errorf("%w: dimension %q repeated", ErrInvalidFilter, c.Key)
		}
	}
	return nil
}

func (f Filter) Matches(tenantID string, key MetricKey) bool {
	if f.TenantID != tenantID || f.MetricType != key.Type {
		return false
	}
	if f.Granularity != "" && f.Granularity != key.Granularity {
		return false
	}
	for _, c := range f.Dimensions {
		v, ok := key.Dimensions[c.Key]
		if !ok || v != c.Value {
			return false
		}
	}
	return true
}
