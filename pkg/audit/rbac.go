package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/TrigintaFaces/excalibur/pkg/excerrors"
)

// Role is the caller identity the RBAC read wrapper authorizes against
// (spec §4.9).
type Role string

const (
	RoleNone              Role = "None"
	RoleDeveloper         Role = "Developer"
	RoleSecurityAnalyst   Role = "SecurityAnalyst"
	RoleComplianceOfficer Role = "ComplianceOfficer"
	RoleAdministrator     Role = "Administrator"
)

// securityAnalystTypes is the fixed set of event types a SecurityAnalyst
// may read (spec §4.9 role matrix).
var securityAnalystTypes = map[EventType]struct{}{
	EventAuthentication: {},
	EventAuthorization:  {},
	EventSecurity:       {},
}

// RBACJournal wraps a Journal and enforces the read-side role matrix
// from spec §4.9. Writes pass through unrestricted. Every read path
// emits a meta-audit record into the same journal; meta-audit failures
// are swallowed so they never block the primary read.
type RBACJournal struct {
	inner Journal
}

// NewRBACJournal wraps inner with RBAC-filtered reads.
func NewRBACJournal(inner Journal) *RBACJournal {
	return &RBACJournal{inner: inner}
}

// Append implements Journal; writes are unrestricted by role.
func (r *RBACJournal) Append(ctx context.Context, e Event) (string, error) {
	return r.inner.Append(ctx, e)
}

// GetByID returns nil (not an error) for an event a SecurityAnalyst is
// filtered out of, per spec §4.9.
func (r *RBACJournal) GetByID(ctx context.Context, role Role, tenantID, eventID string) (*Event, error) {
	defer r.emitMeta(ctx, role, "AuditLog.GetById", tenantID)

	switch role {
	case RoleComplianceOfficer, RoleAdministrator:
		return r.inner.GetByID(ctx, tenantID, eventID)
	case RoleSecurityAnalyst:
		e, err := r.inner.GetByID(ctx, tenantID, eventID)
		if err != nil || e == nil {
			return e, err
		}
		if _, ok := securityAnalystTypes[e.EventType]; !ok {
			return nil, nil
		}
		return e, nil
	default:
		return nil, fmt.Errorf("%w: role %q may not read audit events", excerrors.ErrAccessDenied, role)
	}
}

// Query filters q by the role's permitted event types before delegating.
func (r *RBACJournal) Query(ctx context.Context, role Role, q Query) ([]Event, error) {
	defer r.emitMeta(ctx, role, "AuditLog.Query", q.TenantID)

	switch role {
	case RoleComplianceOfficer, RoleAdministrator:
		return r.inner.Query(ctx, q)
	case RoleSecurityAnalyst:
		return r.inner.Query(ctx, restrictToSecurityAnalyst(q))
	default:
		return nil, fmt.Errorf("%w: role %q may not read audit events", excerrors.ErrAccessDenied, role)
	}
}

// Count mirrors Query's role restriction.
func (r *RBACJournal) Count(ctx context.Context, role Role, q Query) (int64, error) {
	defer r.emitMeta(ctx, role, "AuditLog.Count", q.TenantID)

	switch role {
	case RoleComplianceOfficer, RoleAdministrator:
		return r.inner.Count(ctx, q)
	case RoleSecurityAnalyst:
		return r.inner.Count(ctx, restrictToSecurityAnalyst(q))
	default:
		return 0, fmt.Errorf("%w: role %q may not read audit events", excerrors.ErrAccessDenied, role)
	}
}

// GetLast is permitted for SecurityAnalyst, ComplianceOfficer and
// Administrator (spec §4.9 role matrix).
func (r *RBACJournal) GetLast(ctx context.Context, role Role, tenantID string) (*Event, error) {
	defer r.emitMeta(ctx, role, "AuditLog.GetLast", tenantID)

	switch role {
	case RoleSecurityAnalyst, RoleComplianceOfficer, RoleAdministrator:
		return r.inner.GetLast(ctx, tenantID)
	default:
		return nil, fmt.Errorf("%w: role %q may not read audit events", excerrors.ErrAccessDenied, role)
	}
}

// VerifyChain is restricted to ComplianceOfficer and Administrator.
func (r *RBACJournal) VerifyChain(ctx context.Context, role Role, tenantID string, startDate, endDate time.Time) (*IntegrityResult, error) {
	defer r.emitMeta(ctx, role, "AuditLog.VerifyChain", tenantID)

	switch role {
	case RoleComplianceOfficer, RoleAdministrator:
		return r.inner.VerifyChain(ctx, tenantID, startDate, endDate)
	default:
		return nil, fmt.Errorf("%w: role %q may not verify the audit chain", excerrors.ErrAccessDenied, role)
	}
}

func restrictToSecurityAnalyst(q Query) Query {
	if len(q.EventTypes) == 0 {
		q.EventTypes = cloneTypeSet(securityAnalystTypes)
		return q
	}
	restricted := make(map[EventType]struct{}, len(q.EventTypes))
	for t := range q.EventTypes {
		if _, ok := securityAnalystTypes[t]; ok {
			restricted[t] = struct{}{}
		}
	}
	q.EventTypes = restricted
	return q
}

func cloneTypeSet(in map[EventType]struct{}) map[EventType]struct{} {
	out := make(map[EventType]struct{}, len(in))
	for t := range in {
		out[t] = struct{}{}
	}
	return out
}

// emitMeta writes the meta-audit record for a read path (spec §4.9:
// "every read path emits a meta-audit record"). Failures are swallowed:
// meta-audit must never block the primary read it describes.
func (r *RBACJournal) emitMeta(ctx context.Context, role Role, action, tenantID string) {
	_, _ = r.inner.Append(ctx, Event{
		EventType:    EventDataAccess,
		Action:       action,
		Outcome:      OutcomeSuccess,
		ActorID:      fmt.Sprintf("role:%s", role),
		TenantID:     tenantID,
		TimestampUtc: time.Time{},
	})
}
