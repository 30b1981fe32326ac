package enums

import "fmt"

type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

func ParseRole(raw string) (Role, error) {
	switch Role(raw) {
	case RoleUser, RoleAdmin:
		return Role(raw), nil
	default:
		return RoleUser, fmt.Errorf("unknown role %q", raw)
	}
}
