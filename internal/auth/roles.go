package auth

import "strings"

// Canonical roles recognized by the API.
const (
	RoleAdmin    = "ADMIN"
	RoleBuyer    = "BUYER"
	RoleSalesRep = "SALES_REP"
	RoleGuest    = "GUEST"
)

// NormalizeRole maps a raw stored role string to one of the four canonical
// roles. Unrecognized or empty values map to GUEST so that a corrupt or
// missing role never grants elevated access.
func NormalizeRole(raw string) string {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "ADMIN", "ADMINISTRATOR", "SUPERADMIN":
		return RoleAdmin
	case "BUYER", "CUSTOMER", "CLIENT":
		return RoleBuyer
	case "SALES_REP", "SALESREP", "SALES", "REP":
		return RoleSalesRep
	default:
		return RoleGuest
	}
}

// IsValidRole reports whether role is one of the canonical roles.
func IsValidRole(role string) bool {
	switch role {
	case RoleAdmin, RoleBuyer, RoleSalesRep, RoleGuest:
		return true
	}
	return false
}
