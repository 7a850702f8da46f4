package constants

const (
	TokenRoleAdmin      = "admin"
	TokenRoleDeviceUser = "device_user"
)

var AllowedTokenRoles = []string{
	TokenRoleAdmin,
	TokenRoleDeviceUser,
}

// MinPasswordLength is enforced for every account created or updated
// through the device channel.
const MinPasswordLength = 6

// Seeded account names.
const (
	DefaultAdminUsername  = "admin"
	DefaultDeviceUsername = "device"

	DefaultAdminPassword  = "admin123"
	DefaultDevicePassword = "device123"
)
