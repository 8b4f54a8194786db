package auth

// Kind names the entity a mutation targets.
type Kind string

const (
	KindUser          Kind = "User"
	KindDepartment    Kind = "Department"
	KindService       Kind = "Service"
	KindServiceAccess Kind = "ServiceAccess"
	KindCredential    Kind = "Credential"
)

// Target describes the object of a mutation. Owner is set for user-owned rows
// and for users themselves; DepartmentID is used otherwise.
type Target struct {
	Kind         Kind
	DepartmentID string
	Owner        *UserFacts
}

// Authorize decides whether actor may mutate target. Shared departments never
// grant write access.
func Authorize(actor Actor, target Target) error {
	if actor.IsSuperuser {
		return nil
	}
	if target.Kind == KindDepartment {
		return denied("only superuser can create/update/delete departments")
	}
	if actor.Role != RoleHead {
		return denied("only superuser or department head can modify %s", target.Kind)
	}
	if actor.DepartmentID == "" {
		return denied("department head must have a department")
	}
	dept := target.DepartmentID
	if target.Owner != nil {
		switch target.Kind {
		case KindUser, KindCredential, KindServiceAccess:
			if target.Owner.IsSuperuser || target.Owner.Role != RoleEmployee {
				return denied("department head can update only employees")
			}
		}
		dept = target.Owner.DepartmentID
	}
	if dept != actor.DepartmentID {
		return denied("you can update only your department %s objects", target.Kind)
	}
	return nil
}
