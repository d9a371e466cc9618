package rbac

import (
	"errors"
	"fmt"
)

type Role string
type Action string
type RiskLevel string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleOwner  Role = "owner"
)

const (
	ActionRead     Action = "read"
	ActionPropose  Action = "propose"
	ActionDecide   Action = "decide"
	ActionRollback Action = "rollback"
)

const (
	RiskLow  RiskLevel = "low"
	RiskHigh RiskLevel = "high"
	RiskCore RiskLevel = "core"
)

var ErrForbidden = errors.New("forbidden")

// AccessError is returned when a role may not act on a proposal of a given risk.
type AccessError struct {
	Role     Role
	Risk     RiskLevel
	Required Role
}

func (e *AccessError) Error() string {
	return fmt.Sprintf("role %s cannot decide %s-risk suggestions (requires %s)", e.Role, e.Risk, e.Required)
}

func (e *AccessError) Unwrap() error { return ErrForbidden }

func Can(role Role, action Action) bool {
	switch role {
	case RoleOwner:
		return true
	case RoleEditor:
		return action == ActionRead || action == ActionPropose || action == ActionDecide || action == ActionRollback
	case RoleViewer:
		return action == ActionRead || action == ActionPropose
	default:
		return false
	}
}

// AuthorizeDecision gates approve, reject and rollback. Viewers are always
// refused; core risk requires owner; everything else requires editor.
func AuthorizeDecision(role Role, risk RiskLevel) error {
	role = Normalize(string(role))
	risk = NormalizeRisk(string(risk))
	required := RoleEditor
	if risk == RiskCore {
		required = RoleOwner
	}
	if !Can(role, ActionDecide) || rank(role) < rank(required) {
		return &AccessError{Role: role, Risk: risk, Required: required}
	}
	return nil
}

func rank(role Role) int {
	switch role {
	case RoleOwner:
		return 3
	case RoleEditor:
		return 2
	case RoleViewer:
		return 1
	default:
		return 0
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleEditor, RoleOwner:
		return Role(role)
	default:
		return RoleViewer
	}
}

// NormalizeRisk maps unknown values to high so an unrecognised level never
// lowers the bar below editor.
func NormalizeRisk(risk string) RiskLevel {
	switch RiskLevel(risk) {
	case RiskLow, RiskHigh, RiskCore:
		return RiskLevel(risk)
	default:
		return RiskHigh
	}
}

// Stricter returns whichever of a and b needs the higher role to decide.
// Empty values are ignored.
func Stricter(a, b RiskLevel) RiskLevel {
	if a == "" {
		return b
	}
	if b == "" {
		return a
	}
	if riskRank(NormalizeRisk(string(b))) > riskRank(NormalizeRisk(string(a))) {
		return NormalizeRisk(string(b))
	}
	return NormalizeRisk(string(a))
}

func riskRank(risk RiskLevel) int {
	switch risk {
	case RiskCore:
		return 3
	case RiskHigh:
		return 2
	default:
		return 1
	}
}
