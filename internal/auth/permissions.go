package auth

// Permission ids required by the account administration endpoints.
const (
	PermUserRead          = "USER_READ"
	PermUserCreate        = "USER_CREATE"
	PermUserUpdate        = "USER_UPDATE"
	PermUserDisable       = "USER_DISABLE"
	PermUserResetPassword = "USER_RESET_PASSWORD"
	PermRoleRead          = "ROLE_READ"
	PermRoleUpdate        = "ROLE_UPDATE"
)

// AdminRoleID is the seeded role granted every builtin permission.
const AdminRoleID = "ADMIN"

// BuiltinPermissions is the catalog seeded on a fresh installation. Further
// permission ids are plain data and may be added to the store at any time.
var BuiltinPermissions = []Permission{
	{ID: PermUserRead, Entity: "USER", Operation: "READ", Description: "View users"},
	{ID: PermUserCreate, Entity: "USER", Operation: "CREATE", Description: "Create users"},
	{ID: PermUserUpdate, Entity: "USER", Operation: "UPDATE", Description: "Edit users"},
	{ID: PermUserDisable, Entity: "USER", Operation: "DISABLE", Description: "Deactivate users"},
	{ID: PermUserResetPassword, Entity: "USER", Operation: "RESET_PASSWORD", Description: "Reset another user's password"},
	{ID: PermRoleRead, Entity: "ROLE", Operation: "READ", Description: "View roles and grants"},
	{ID: PermRoleUpdate, Entity: "ROLE", Operation: "UPDATE", Description: "Change role grants"},
	{ID: "AUDIT_READ", Entity: "AUDIT", Operation: "READ", Description: "View audit log"},
	{ID: "ITEM_READ", Entity: "ITEM", Operation: "READ", Description: "View items"},
	{ID: "ITEM_CREATE", Entity: "ITEM", Operation: "CREATE", Description: "Create items"},
	{ID: "ITEM_UPDATE", Entity: "ITEM", Operation: "UPDATE", Description: "Edit items"},
	{ID: "FACILITY_READ", Entity: "FACILITY", Operation: "READ", Description: "View facilities"},
	{ID: "FACILITY_CREATE", Entity: "FACILITY", Operation: "CREATE", Description: "Create facilities"},
	{ID: "FACILITY_UPDATE", Entity: "FACILITY", Operation: "UPDATE", Description: "Edit facilities"},
	{ID: "LOCATION_READ", Entity: "LOCATION", Operation: "READ", Description: "View locations"},
	{ID: "LOCATION_CREATE", Entity: "LOCATION", Operation: "CREATE", Description: "Create locations"},
	{ID: "LOCATION_UPDATE", Entity: "LOCATION", Operation: "UPDATE", Description: "Edit locations"},
	{ID: "PLATE_READ", Entity: "PLATE", Operation: "READ", Description: "View license plates"},
	{ID: "PLATE_CREATE", Entity: "PLATE", Operation: "CREATE", Description: "Create license plates"},
	{ID: "PLATE_UPDATE", Entity: "PLATE", Operation: "UPDATE", Description: "Edit license plates"},
}
