package model

// ActorRole identifies who is requesting a transition.
type ActorRole string

const (
	RoleClient       ActorRole = "client"
	RoleProfessional ActorRole = "professional"
	RoleSystem       ActorRole = "system"
)

// Actor is the acting party for a transition, resolved at the HTTP edge and
// passed explicitly so the engine never reads ambient session state.
type Actor struct {
	ID   int64     `json:"id"`
	Role ActorRole `json:"role"`
}

// SystemActor is the identity used by the deadline scanner.
var SystemActor = Actor{ID: 0, Role: RoleSystem}
