// Package authz decides whether a subject may perform an action on a
// resource. Decisions come from an explicit policy table; any pair the
// table does not name is denied.
package authz

import "slices"

// Action names something a caller wants to do.
type Action string

const (
	ActionSessionList      Action = "session:list"
	ActionSessionRevoke    Action = "session:revoke"
	ActionComplianceCreate Action = "compliance:create"
	ActionComplianceRead   Action = "compliance:read"
)

// ResourceKind names the kind of thing acted on.
type ResourceKind string

const (
	ResourceSession       ResourceKind = "session"
	ResourceComplianceJob ResourceKind = "compliance_job"
)

// Subject is the authenticated caller.
type Subject struct {
	UserID   string
	TenantID string
	Roles    []string
}

// Resource is the target of the action.
type Resource struct {
	Kind     ResourceKind
	TenantID string
	OwnerID  string
}

type rule struct {
	action Action
	kind   ResourceKind
}

type predicate func(Subject, Resource) bool

func sameTenant(s Subject, r Resource) bool {
	return s.TenantID != "" && s.TenantID == r.TenantID
}

func ownerOrAdmin(s Subject, r Resource) bool {
	if !sameTenant(s, r) {
		return false
	}
	return s.UserID == r.OwnerID || slices.Contains(s.Roles, "admin")
}

// policies is the complete rule set. Missing entries deny. A data subject
// may always raise and inspect requests about their own data; admins may act
// for anyone in their tenant.
var policies = map[rule]predicate{
	{ActionSessionList, ResourceSession}:            ownerOrAdmin,
	{ActionSessionRevoke, ResourceSession}:          ownerOrAdmin,
	{ActionComplianceCreate, ResourceComplianceJob}: ownerOrAdmin,
	{ActionComplianceRead, ResourceComplianceJob}:   ownerOrAdmin,
}

// Allowed reports whether the subject may perform the action on the
// resource. Unknown action/resource pairs are denied.
func Allowed(subject Subject, action Action, resource Resource) bool {
	p, ok := policies[rule{action, resource.Kind}]
	if !ok {
		return false
	}
	return p(subject, resource)
}
