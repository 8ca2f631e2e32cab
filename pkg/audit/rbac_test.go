package audit_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TrigintaFaces/excalibur/pkg/audit"
)

// Scenario 7 (spec §8): a SecurityAnalyst requests event types
// {Security, DataAccess}; after filtering, the underlying store only
// ever sees {Security} and DataAccess events are absent from the result.
func TestRBACQueryFiltersSecurityAnalystToPermittedTypes(t *testing.T) {
	inner := audit.NewMemoryJournal()
	ctx := context.Background()

	_, err := inner.Append(ctx, audit.Event{EventType: audit.EventSecurity, Action: "login.anomaly", Outcome: audit.OutcomeSuccess, ActorID: "svc", TenantID: "t1"})
	require.NoError(t, err)
	_, err = inner.Append(ctx, audit.Event{EventType: audit.EventDataAccess, Action: "record.read", Outcome: audit.OutcomeSuccess, ActorID: "svc", TenantID: "t1"})
	require.NoError(t, err)

	rbac := audit.NewRBACJournal(inner)
	events, err := rbac.Query(ctx, audit.RoleSecurityAnalyst, audit.Query{
		TenantID: "t1",
		EventTypes: map[audit.EventType]struct{}{
			audit.EventSecurity:   {},
			audit.EventDataAccess: {},
		},
	})
	require.NoError(t, err)

	for _, e := range events {
		assert.NotEqual(t, audit.EventDataAccess, e.EventType, "DataAccess events must be filtered out for SecurityAnalyst")
	}
	assert.True(t, containsAction(events, "login.anomaly"))
}

func TestRBACDeniesDeveloperRead(t *testing.T) {
	inner := audit.NewMemoryJournal()
	rbac := audit.NewRBACJournal(inner)

	_, err := rbac.Query(context.Background(), audit.RoleDeveloper, audit.Query{TenantID: "t1"})
	assert.Error(t, err)
}

func TestRBACGetByIDHidesFilteredEventForSecurityAnalyst(t *testing.T) {
	inner := audit.NewMemoryJournal()
	ctx := context.Background()
	id, err := inner.Append(ctx, audit.Event{EventType: audit.EventDataAccess, Action: "record.read", Outcome: audit.OutcomeSuccess, ActorID: "svc", TenantID: "t1"})
	require.NoError(t, err)

	rbac := audit.NewRBACJournal(inner)
	e, err := rbac.GetByID(ctx, audit.RoleSecurityAnalyst, "t1", id)
	require.NoError(t, err)
	assert.Nil(t, e, "filtered-out event must return nil, not an error")
}

func containsAction(events []audit.Event, action string) bool {
	for _, e := range events {
		if e.Action == action {
			return true
		}
	}
	return false
}
