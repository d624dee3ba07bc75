package model

// UserRole 角色（persona），决定访问权限
type UserRole string

const (
	Learner    UserRole = "learner"
	Instructor UserRole = "instructor"
	Admin      UserRole = "admin"
	SuperAdmin UserRole = "super_admin"
)

func (r UserRole) Valid() bool {
	switch r {
	case Learner, Instructor, Admin, SuperAdmin:
		return true
	}
	return false
}
