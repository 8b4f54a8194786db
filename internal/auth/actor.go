package auth

// Class ranks actors by privilege.
type Class int

const (
	ClassAnonymous Class = iota
	ClassEmployee
	ClassHead
	ClassSuperuser
)

func (c Class) String() string {
	switch c {
	case ClassSuperuser:
		return "superuser"
	case ClassHead:
		return "head"
	case ClassEmployee:
		return "employee"
	default:
		return "anonymous"
	}
}

// Actor is the authenticated caller of a domain operation.
type Actor struct {
	ID           string
	PortalLogin  string
	Email        string
	Role         Role
	DepartmentID string
	IsSuperuser  bool
	IsActive     bool
}

// Class derives the privilege class of the actor.
func (a Actor) Class() Class {
	switch {
	case a.ID == "":
		return ClassAnonymous
	case a.IsSuperuser:
		return ClassSuperuser
	case a.Role == RoleHead:
		return ClassHead
	default:
		return ClassEmployee
	}
}

// IsHead reports department-head privilege regardless of department assignment.
func (a Actor) IsHead() bool { return a.Role == RoleHead }

// Facts returns the actor as a user target for authorization checks.
func (a Actor) Facts() UserFacts {
	return UserFacts{ID: a.ID, DepartmentID: a.DepartmentID, Role: a.Role, IsSuperuser: a.IsSuperuser}
}
