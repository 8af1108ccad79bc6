// Package policy evaluates role/resource/action access rules. Evaluation is
// deny by default: a request no rule matches is refused.
package policy

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	stringadapter "github.com/casbin/casbin/v2/persist/string-adapter"

	"github.com/spec-kit/tutoring-service/internal/domain"
)

//go:embed model.conf
var modelContent string

//go:embed policy.csv
var defaultRules string

// Resources and actions referenced by the HTTP layer.
const (
	ResourceAccount        = "account"
	ResourceAccountStatus  = "account_status"
	ResourceStudentProfile = "student_profile"
	ResourceTeacherProfile = "teacher_profile"
	ResourceLesson         = "lesson"

	ActionRead   = "read"
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

const (
	scopeOwn   = "own"
	scopeOther = "other"
)

// Ownership describes who is asking and who owns the target resource.
// OwnerID is empty when the resource has no owner or it is unknown.
type Ownership struct {
	SubjectID string
	OwnerID   string
}

func (o Ownership) scope() string {
	if o.OwnerID != "" && o.SubjectID != "" && o.OwnerID == o.SubjectID {
		return scopeOwn
	}
	return scopeOther
}

// AccessDecision is the outcome of one evaluation. It is never persisted.
type AccessDecision struct {
	Allow  bool
	Reason string
}

// Policy wraps a casbin enforcer loaded once at startup.
type Policy struct {
	enforcer *casbin.SyncedEnforcer
}

// NewDefault loads the embedded rule table.
func NewDefault() (*Policy, error) {
	return New(defaultRules)
}

// New builds a policy from CSV rules of the form
// "p, <role>, <resource|*>, <action|*>, <any|own>".
func New(rules string) (*Policy, error) {
	if strings.TrimSpace(rules) == "" {
		return nil, fmt.Errorf("policy rules are empty")
	}

	m, err := model.NewModelFromString(modelContent)
	if err != nil {
		return nil, fmt.Errorf("parse policy model: %w", err)
	}

	enforcer, err := casbin.NewSyncedEnforcer(m, stringadapter.NewAdapter(rules))
	if err != nil {
		return nil, fmt.Errorf("create policy enforcer: %w", err)
	}
	return &Policy{enforcer: enforcer}, nil
}

// Authorize evaluates (role, resource, action) with ownership context.
func (p *Policy) Authorize(role domain.Role, resource, action string, own Ownership) AccessDecision {
	if role == "" || resource == "" || action == "" {
		return AccessDecision{Allow: false, Reason: "incomplete request"}
	}

	allowed, explain, err := p.enforcer.EnforceEx(string(role), resource, action, own.scope())
	if err != nil {
		return AccessDecision{Allow: false, Reason: "policy evaluation failed"}
	}
	if !allowed {
		return AccessDecision{Allow: false, Reason: "no matching rule"}
	}
	return AccessDecision{Allow: true, Reason: "matched rule " + strings.Join(explain, ", ")}
}
