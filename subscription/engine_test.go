package subscription

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func revenueEvent(tenant string, dims map[string]string) Event {
	return Event{
		TenantID:  tenant,
		MetricKey: MetricKey{Type: "revenue", Dimensions: dims, Granularity: "day"},
	}
}

func TestMetricKey_Canonical(t *testing.T) {
	k := MetricKey{Type: "revenue", Granularity: "day", Dimensions: map[string]string{"region": "EU", "channel": "web"}}
	assert.Equal(t, "revenue|day|channel=web,region=EU", k.Canonical())
	assert.Equal(t, "total_sales||", MetricKey{Type: "total_sales"}.Canonical())

	joined := MetricKey{Type: "revenue", Dimensions: map[string]string{"region": "EU,channel=web"}}
	split := MetricKey{Type: "revenue", Dimensions: map[string]string{"region": "EU", "channel": "web"}}
	assert.NotEqual(t, joined.Canonical(), split.Canonical())
	assert.NotEqual(t, MetricKey{Type: "a|b"}.Canonical(), MetricKey{Type: "a", Granularity: "b"}.Canonical())
}

func TestFilter_Normalize(t *testing.T) {
	f := Filter{MetricType: "revenue", Dimensions: []Constraint{{"region", "EU"}, {"channel", "web"}}}
	require.NoError(t, f.Normalize())
	assert.Equal(t, "channel", f.Dimensions[0].Key)

	dup := Filter{MetricType: "revenue", Dimensions: []Constraint{{"region", "EU"}, {"region", "US"}}}
	assert.ErrorIs(t, dup.Normalize(), ErrInvalidFilter)

	missing := Filter{}
	assert.ErrorIs(t, missing.Normalize(), ErrInvalidFilter)
}

func TestFilter_Matches(t *testing.T) {
	key := MetricKey{Type: "revenue", Granularity: "day", Dimensions: map[string]string{"region": "EU"}}

	tests := []struct {
		name   string
		filter Filter
		tenant string
		want   bool
	}{
		{"type only", NewFilter("acme", "revenue", nil, ""), "acme", true},
		{"dimension equal", NewFilter("acme", "revenue", map[string]string{"region": "EU"}, ""), "acme", true},
		{"dimension differs", NewFilter("acme", "revenue", map[string]string{"region": "US"}, ""), "acme", false},
		{"dimension absent on event", NewFilter("acme", "revenue", map[string]string{"channel": "web"}, ""), "acme", false},
		{"granularity equal", NewFilter("acme", "revenue", nil, "day"), "acme", true},
		{"granularity differs", NewFilter("acme", "revenue", nil, "hour"), "acme", false},
		{"other type", NewFilter("acme", "total_sales", nil, ""), "acme", false},
		{"other tenant", NewFilter("acme", "revenue", nil, ""), "globex", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Matches(tt.tenant, key))
		})
	}
}

func TestEngine_SubscribeDefaultsTenant(t *testing.T) {
	e := NewEngine(0)
	h, err := e.Subscribe(Owner{ConnectionID: "c1", TenantID: "acme"}, NewFilter("", "revenue", nil, ""))
	require.NoError(t, err)

	sub, ok := e.Get(h)
	require.True(t, ok)
	assert.Equal(t, "acme", sub.Filter.TenantID)
	assert.Equal(t, "acme", sub.TenantID)
}

func TestEngine_SubscribeRejectsCrossTenant(t *testing.T) {
	e := NewEngine(0)
	_, err := e.Subscribe(Owner{ConnectionID: "c1", TenantID: "acme"}, NewFilter("globex", "revenue", nil, ""))
	assert.ErrorIs(t, err, ErrCrossTenant)
	assert.Equal(t, 0, e.Count())
}

func TestEngine_SubscribeRejectsInvalid(t *testing.T) {
	e := NewEngine(0)
	_, err := e.Subscribe(Owner{ConnectionID: "c1", TenantID: "acme"}, NewFilter("", "", nil, ""))
	assert.ErrorIs(t, err, ErrInvalidFilter)

	_, err = e.Subscribe(Owner{ConnectionID: "c1"}, NewFilter("", "revenue", nil, ""))
	assert.ErrorIs(t, err, ErrInvalidFilter)
}

func TestEngine_PerConnectionCap(t *testing.T) {
	e := NewEngine(2)
	owner := Owner{ConnectionID: "c1", TenantID: "acme"}

	for i := 0; i < 2; i++ {
		_, err := e.Subscribe(owner, NewFilter("", "revenue", nil, ""))
		require.NoError(t, err)
	}
	_, err := e.Subscribe(owner, NewFilter("", "revenue", nil, ""))
	assert.ErrorIs(t, err, ErrTooManySubscriptions)

	_, err = e.Subscribe(Owner{ConnectionID: "c2", TenantID: "acme"}, NewFilter("", "revenue", nil, ""))
	assert.NoError(t, err, "cap is per connection")
}

func TestEngine_DimensionScenario(t *testing.T) {
	e := NewEngine(0)
	eu, err := e.Subscribe(Owner{ConnectionID: "c-eu", TenantID: "acme"},
		NewFilter("", "revenue", map[string]string{"region": "EU"}, ""))
	require.NoError(t, err)
	_, err = e.Subscribe(Owner{ConnectionID: "c-us", TenantID: "acme"},
		NewFilter("", "revenue", map[string]string{"region": "US"}, ""))
	require.NoError(t, err)
	all, err := e.Subscribe(Owner{ConnectionID: "c-all", TenantID: "acme"},
		NewFilter("", "revenue", nil, ""))
	require.NoError(t, err)

	matches := e.Matches(revenueEvent("acme", map[string]string{"region": "EU"}))
	assert.Equal(t, []Match{
		{ConnectionID: "c-all", SubscriptionIDs: []string{all.ID}},
		{ConnectionID: "c-eu", SubscriptionIDs: []string{eu.ID}},
	}, matches)

	assert.Empty(t, e.Matches(revenueEvent("globex", map[string]string{"region": "EU"})))
}

func TestEngine_MatchesGroupsByConnection(t *testing.T) {
	e := NewEngine(0)
	owner := Owner{ConnectionID: "c1", TenantID: "acme"}
	h1, err := e.Subscribe(owner, NewFilter("", "revenue", nil, ""))
	require.NoError(t, err)
	h2, err := e.Subscribe(owner, NewFilter("", "revenue", nil, "day"))
	require.NoError(t, err)

	matches := e.Matches(revenueEvent("acme", nil))
	require.Len(t, matches, 1, "one delivery per connection")
	assert.ElementsMatch(t, []string{h1.ID, h2.ID}, matches[0].SubscriptionIDs)
}

func TestEngine_Unsubscribe(t *testing.T) {
	e := NewEngine(0)
	h, err := e.Subscribe(Owner{ConnectionID: "c1", TenantID: "acme"}, NewFilter("", "revenue", nil, ""))
	require.NoError(t, err)

	assert.ErrorIs(t, e.Unsubscribe(Handle{ConnectionID: "c2", ID: h.ID}), ErrNotFound, "only the owner may unsubscribe")
	assert.Len(t, e.Matches(revenueEvent("acme", nil)), 1)

	require.NoError(t, e.Unsubscribe(h))
	assert.Empty(t, e.Matches(revenueEvent("acme", nil)))
	assert.ErrorIs(t, e.Unsubscribe(h), ErrNotFound)
}

func TestEngine_RemoveConnection(t *testing.T) {
	e := NewEngine(0)
	for _, metric := range []string{"revenue", "total_sales", "new_customers"} {
		_, err := e.Subscribe(Owner{ConnectionID: "c1", TenantID: "acme"}, NewFilter("", metric, nil, ""))
		require.NoError(t, err)
	}
	_, err := e.Subscribe(Owner{ConnectionID: "c2", TenantID: "acme"}, NewFilter("", "revenue", nil, ""))
	require.NoError(t, err)

	assert.Equal(t, 3, e.RemoveConnection("c1"))
	assert.Equal(t, 0, e.CountFor("c1"))
	assert.Equal(t, 1, e.Count())
	assert.Equal(t, 0, e.RemoveConnection("c1"))

	matches := e.Matches(revenueEvent("acme", nil))
	require.Len(t, matches, 1)
	assert.Equal(t, "c2", matches[0].ConnectionID)
}

func TestEngine_SubscribeCopiesConstraints(t *testing.T) {
	e := NewEngine(0)
	f := Filter{MetricType: "revenue", Dimensions: []Constraint{{"region", "EU"}}}
	h, err := e.Subscribe(Owner{ConnectionID: "c1", TenantID: "acme"}, f)
	require.NoError(t, err)

	f.Dimensions[0].Value = "US"
	assert.Len(t, e.Matches(revenueEvent("acme", map[string]string{"region": "EU"})), 1)
	sub, _ := e.Get(h)
	assert.Equal(t, "EU", sub.Filter.Dimensions[0].Value)
}

func TestEngine_Concurrent(t *testing.T) {
	e := NewEngine(0)
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			owner := Owner{ConnectionID: fmt.Sprintf("c%d", i), TenantID: "acme"}
			for j := 0; j < 10; j++ {
				_, err := e.Subscribe(owner, NewFilter("", "revenue", nil, ""))
				assert.NoError(t, err)
			}
			if i%2 == 0 {
				e.RemoveConnection(owner.ConnectionID)
			}
		}(i)
		go func() {
			defer wg.Done()
			_ = e.Matches(revenueEvent("acme", nil))
		}()
	}
	wg.Wait()

	assert.Equal(t, 250, e.Count())
	assert.Len(t, e.Matches(revenueEvent("acme", nil)), 25)
}
