package request

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market/internal/modules/lifecycle"
	"market/internal/types"
)

func TestViewFilter(t *testing.T) {
	host := lifecycle.Actor{ID: "host-1", Role: lifecycle.RoleHost}
	admin := lifecycle.Actor{ID: "admin-1", Role: lifecycle.RoleAdmin}

	f, err := ViewFilter(lifecycle.KindCab, customer, ScopeMine, Filter{Limit: 5})
	require.NoError(t, err)
	assert.Equal(t, customer.ID, f.RequesterID)
	assert.Equal(t, 5, f.Limit)

	f, err = ViewFilter(lifecycle.KindHousing, host, ScopeMine, Filter{})
	require.NoError(t, err)
	assert.Equal(t, host.ID, f.TargetID)

	f, err = ViewFilter(lifecycle.KindCab, driverA, "", Filter{})
	require.NoError(t, err)
	assert.Equal(t, driverA.ID, f.FulfillerID)

	f, err = ViewFilter(lifecycle.KindCab, driverA, ScopePool, Filter{})
	require.NoError(t, err)
	assert.True(t, f.Unclaimed)
	assert.Equal(t, []lifecycle.Status{lifecycle.StatusPending}, f.Statuses)

	f, err = ViewFilter(lifecycle.KindService, workerA, ScopePool, Filter{Statuses: []lifecycle.Status{lifecycle.StatusQuoted}})
	require.NoError(t, err)
	assert.Equal(t, []lifecycle.Status{lifecycle.StatusQuoted}, f.Statuses)

	_, err = ViewFilter(lifecycle.KindService, workerA, ScopePool, Filter{Statuses: []lifecycle.Status{lifecycle.StatusCompleted}})
	assert.ErrorIs(t, err, lifecycle.ErrBadRequest)

	_, err = ViewFilter(lifecycle.KindCab, customer, ScopePool, Filter{})
	assert.ErrorIs(t, err, lifecycle.ErrForbidden)

	_, err = ViewFilter(lifecycle.KindCab, driverA, ScopeAll, Filter{})
	assert.ErrorIs(t, err, lifecycle.ErrForbidden)

	f, err = ViewFilter(lifecycle.KindCab, admin, ScopeAll, Filter{RequesterID: "cust-9"})
	require.NoError(t, err)
	assert.Equal(t, types.ID("cust-9"), f.RequesterID)

	_, err = ViewFilter(lifecycle.KindCab, admin, "everything", Filter{})
	assert.ErrorIs(t, err, lifecycle.ErrBadRequest)
}

func TestCanView(t *testing.T) {
	driver := driverA.ID
	pending := &lifecycle.Request{Kind: lifecycle.KindCab, RequesterID: customer.ID, Status: lifecycle.StatusPending}
	accepted := &lifecycle.Request{Kind: lifecycle.KindCab, RequesterID: customer.ID, Status: lifecycle.StatusAccepted, FulfillerID: &driver}

	assert.True(t, CanView(pending, customer))
	assert.True(t, CanView(pending, driverB), "pool requests are visible to drivers")
	assert.False(t, CanView(pending, workerA))
	assert.True(t, CanView(accepted, driverA))
	assert.False(t, CanView(accepted, driverB))
	assert.True(t, CanView(accepted, lifecycle.Actor{ID: "s-1", Role: lifecycle.RoleSupport}))
}

func TestRedactHidesCodesFromNonRequesters(t *testing.T) {
	worker := workerA.ID
	r := &lifecycle.Request{
		Kind: lifecycle.KindService, RequesterID: customer.ID, FulfillerID: &worker,
		Status: lifecycle.StatusAccepted, StartCode: "1111", EndCode: "2222",
	}

	own := Redact(r, customer)
	assert.Equal(t, "1111", own.StartCode)
	assert.Equal(t, "2222", own.EndCode)

	theirs := Redact(r, workerA)
	assert.Empty(t, theirs.StartCode)
	assert.Empty(t, theirs.EndCode)
	assert.Equal(t, "1111", r.StartCode, "original untouched")
}
