package services

// Roles supplied by the external identity layer. The core only
// distinguishes privileged from restricted actors.
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
)

// Actor identifies the caller of a service operation. Authentication
// happens outside this service; every entry point receives the resolved
// identity and role.
type Actor struct {
	ID   string
	Name string
	Role string
}

// Privileged reports whether the actor may use admin-only paths: mutating
// completed operations directly, force-releasing locks and resolving edit
// requests.
func (a Actor) Privileged() bool {
	return a.Role == RoleAdmin
}
