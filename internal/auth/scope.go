package auth

// Scope is the visibility filter of one actor for one request. It is computed
// once by the Resolver and threaded through every store query; the predicates
// below are the in-memory form of the SQL the Postgres store emits.
type Scope struct {
	ActorID      string
	Class        Class
	DepartmentID string
	// DepartmentIDs holds own ∪ shared departments, own first.
	DepartmentIDs []string
}

// Unrestricted reports whether the scope bypasses department filtering.
func (s Scope) Unrestricted() bool { return s.Class == ClassSuperuser }

// Includes reports whether dept is one of the visible departments.
func (s Scope) Includes(dept string) bool {
	if dept == "" {
		return false
	}
	for _, id := range s.DepartmentIDs {
		if id == dept {
			return true
		}
	}
	return false
}

// UserFacts is what visibility and authorization need to know about a user row.
type UserFacts struct {
	ID           string
	DepartmentID string
	Role         Role
	IsSuperuser  bool
}

// ServiceFacts describes a service row relative to the scope's actor.
type ServiceFacts struct {
	DepartmentID   string
	IsActive       bool
	ActorHasAccess bool
}

// OwnedFacts describes a user-owned row (credential or service access).
type OwnedFacts struct {
	OwnerID           string
	OwnerDepartmentID string
	IsActive          bool
	ServiceActive     bool
	// ActorHasAccess is the owner's active ServiceAccess for the row's service.
	ActorHasAccess bool
}

// ShareFacts describes a department share row.
type ShareFacts struct {
	DepartmentID string
	GranteeID    string
}

// RequestFacts describes an access request row.
type RequestFacts struct {
	RequesterID           string
	RequesterDepartmentID string
}

func (s Scope) SeesUser(u UserFacts) bool {
	switch s.Class {
	case ClassSuperuser:
		return true
	case ClassHead:
		return u.Role == RoleHead || s.Includes(u.DepartmentID)
	default:
		return false
	}
}

func (s Scope) SeesDepartment(id string) bool {
	switch s.Class {
	case ClassSuperuser:
		return true
	case ClassHead:
		return s.Includes(id)
	case ClassEmployee:
		return id != "" && id == s.DepartmentID
	default:
		return false
	}
}

func (s Scope) SeesService(f ServiceFacts) bool {
	switch s.Class {
	case ClassSuperuser:
		return true
	case ClassHead:
		return f.IsActive || s.Includes(f.DepartmentID)
	case ClassEmployee:
		return f.IsActive && f.ActorHasAccess
	default:
		return false
	}
}

func (s Scope) SeesCredential(f OwnedFacts) bool {
	switch s.Class {
	case ClassSuperuser:
		return true
	case ClassHead:
		return s.Includes(f.OwnerDepartmentID)
	case ClassEmployee:
		return f.OwnerID == s.ActorID && f.IsActive && f.ServiceActive && f.ActorHasAccess
	default:
		return false
	}
}

// SeesAccess applies the credential rule to ServiceAccess rows, where the row
// itself is the access grant.
func (s Scope) SeesAccess(f OwnedFacts) bool {
	f.ActorHasAccess = f.IsActive
	return s.SeesCredential(f)
}

func (s Scope) SeesShare(f ShareFacts) bool {
	switch s.Class {
	case ClassSuperuser:
		return true
	case ClassHead:
		return (f.DepartmentID != "" && f.DepartmentID == s.DepartmentID) || f.GranteeID == s.ActorID
	default:
		return false
	}
}

func (s Scope) SeesAccessRequest(f RequestFacts) bool {
	switch s.Class {
	case ClassSuperuser:
		return true
	case ClassHead:
		return f.RequesterID == s.ActorID || s.Includes(f.RequesterDepartmentID)
	case ClassEmployee:
		return f.RequesterID == s.ActorID
	default:
		return false
	}
}

// SeesAuditEntry filters audit rows by the department of the acting user.
// Entries without an actor are visible to superusers only.
func (s Scope) SeesAuditEntry(actorDepartmentID string) bool {
	switch s.Class {
	case ClassSuperuser:
		return true
	case ClassHead:
		return s.Includes(actorDepartmentID)
	default:
		return false
	}
}

// SystemScope is the unrestricted scope used for internal lookups that are
// not answered to a caller directly.
func SystemScope() Scope { return Scope{Class: ClassSuperuser} }
