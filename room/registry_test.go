package room

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_JoinLeave(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Join(Member{ConnectionID: "c1", TenantID: "acme"}, "acme"))
	require.NoError(t, r.Join(Member{ConnectionID: "c2", TenantID: "acme"}, "acme"))
	require.NoError(t, r.Join(Member{ConnectionID: "c3", TenantID: "globex"}, "globex"))

	assert.ElementsMatch(t, []string{"c1", "c2"}, r.MembersOf("acme"))
	assert.ElementsMatch(t, []string{"c3"}, r.MembersOf("globex"))
	assert.Equal(t, 2, r.Rooms())
	assert.Equal(t, 3, r.Count())

	tenant, ok := r.TenantOf("c1")
	assert.True(t, ok)
	assert.Equal(t, "acme", tenant)

	r.Leave("c3")
	assert.Empty(t, r.MembersOf("globex"))
	assert.Equal(t, 1, r.Rooms(), "empty room is removed")

	r.Leave("c3")
	r.Leave("never-joined")
	assert.Equal(t, 2, r.Count())
}

func TestRegistry_JoinTenantMismatch(t *testing.T) {
	r := NewRegistry()

	err := r.Join(Member{ConnectionID: "c1", TenantID: "acme"}, "globex")
	assert.ErrorIs(t, err, ErrTenantMismatch)
	assert.Empty(t, r.MembersOf("globex"))
	assert.Empty(t, r.MembersOf("acme"))

	_, ok := r.TenantOf("c1")
	assert.False(t, ok)
}

func TestRegistry_TenantSetOnce(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Join(Member{ConnectionID: "c1", TenantID: "acme"}, "acme"))

	assert.NoError(t, r.Join(Member{ConnectionID: "c1", TenantID: "acme"}, "acme"), "repeat join is idempotent")
	assert.Len(t, r.MembersOf("acme"), 1)

	err := r.Join(Member{ConnectionID: "c1", TenantID: "globex"}, "globex")
	assert.ErrorIs(t, err, ErrAlreadyJoined)
	assert.Empty(t, r.MembersOf("globex"))
}

func TestRegistry_EmptyTenant(t *testing.T) {
	r := NewRegistry()
	assert.ErrorIs(t, r.Join(Member{ConnectionID: "c1"}, ""), ErrEmptyTenant)
}

func TestRegistry_TenantIDsAreCaseSensitive(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Join(Member{ConnectionID: "c1", TenantID: "Acme"}, "Acme"))
	require.NoError(t, r.Join(Member{ConnectionID: "c2", TenantID: "acme"}, "acme"))

	assert.Equal(t, []string{"c1"}, r.MembersOf("Acme"))
	assert.Equal(t, []string{"c2"}, r.MembersOf("acme"))
}

func TestRegistry_Concurrent(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("c%d", i)
			tenant := fmt.Sprintf("t%d", i%7)
			assert.NoError(t, r.Join(Member{ConnectionID: id, TenantID: tenant}, tenant))
			_ = r.MembersOf(tenant)
			if i%2 == 0 {
				r.Leave(id)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 100, r.Count())
	total := 0
	for i := 0; i < 7; i++ {
		total += len(r.MembersOf(fmt.Sprintf("t%d", i)))
	}
	assert.Equal(t, 100, total)
}

func TestRegistry_LeaveRacingJoin(t *testing.T) {
	r := NewRegistry()
	for i := 0; i < 2000; i++ {
		id := fmt.Sprintf("conn-%d", i)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = r.Join(Member{ConnectionID: id, TenantID: "acme"}, "acme")
		}()
		go func() {
			defer wg.Done()
			r.Leave(id)
		}()
		wg.Wait()

		// Cleanup always ends with a Leave; nothing may survive it.
		r.Leave(id)
		_, joined := r.TenantOf(id)
		require.False(t, joined)
		require.Empty(t, r.MembersOf("acme"), "iteration %d", i)
	}
	assert.Zero(t, r.Rooms())
	assert.Zero(t, r.Count())
}
