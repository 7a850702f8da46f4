package protocol

import "encoding/json"

// Reply types sent to devices.
const (
	TypeAuthSuccess          = "auth_success"
	TypeAuthFailed           = "auth_failed"
	TypeDeviceRegistered     = "device_registered"
	TypeUserRegisterResult   = "user_register_result"
	TypePasswordChangeResult = "password_change_result"
	TypeSessionError         = "session_error"
)

// Device facing messages.
const (
	MsgInvalidCredentials     = "Invalid credentials"
	MsgNotAuthenticated       = "Device not authenticated"
	MsgUserCreated            = "User created successfully"
	MsgPasswordTooShort       = "Password must be at least 6 characters"
	MsgUserExists             = "Username already exists or invalid input"
	MsgUsernamePasswordReq    = "Username and password required"
	MsgPasswordChanged        = "Password changed successfully"
	MsgPasswordChangeFailed   = "Invalid credentials or user not found"
	MsgPasswordChangeFields   = "Username, old password and new password required"
	MsgUnknownUserAction      = "Unknown user action"
	MsgTemporarilyUnavailable = "Service temporarily unavailable"
	MsgConnectionReplaced     = "Replaced by a newer connection"
)

// AuthSuccess acknowledges credential authentication.
type AuthSuccess struct {
	Type     string `json:"type"`
	Token    string `json:"token"`
	DeviceID string `json:"device_id"`
	Config   any    `json:"config"`
}

// AuthFailed rejects credential authentication.
type AuthFailed struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// DeviceRegistered acknowledges a legacy registration.
type DeviceRegistered struct {
	Type     string `json:"type"`
	DeviceID string `json:"device_id"`
	Config   any    `json:"config"`
}

// ActionResult answers a user action.
type ActionResult struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// ErrorReply is the bare error object sent for rejected events.
type ErrorReply struct {
	Error string `json:"error"`
}

// SessionError notifies a device that its speech session ended abnormally.
type SessionError struct {
	Type     string `json:"type"`
	DeviceID string `json:"device_id"`
	Error    string `json:"error"`
}

// NewAuthSuccess builds an auth_success reply.
func NewAuthSuccess(token, deviceID string, config any) AuthSuccess {
	return AuthSuccess{Type: TypeAuthSuccess, Token: token, DeviceID: deviceID, Config: config}
}

// NewAuthFailed builds an auth_failed reply.
func NewAuthFailed() AuthFailed {
	return AuthFailed{Type: TypeAuthFailed, Error: MsgInvalidCredentials}
}

// NewDeviceRegistered builds a device_registered reply.
func NewDeviceRegistered(deviceID string, config any) DeviceRegistered {
	return DeviceRegistered{Type: TypeDeviceRegistered, DeviceID: deviceID, Config: config}
}

// NewRegisterResult builds a user_register_result reply.
func NewRegisterResult(success bool, message string) ActionResult {
	return ActionResult{Type: TypeUserRegisterResult, Success: success, Message: message}
}

// NewPasswordChangeResult builds a password_change_result reply.
func NewPasswordChangeResult(success bool, message string) ActionResult {
	return ActionResult{Type: TypePasswordChangeResult, Success: success, Message: message}
}

// NewSessionError builds a session_error notice.
func NewSessionError(deviceID, message string) SessionError {
	return SessionError{Type: TypeSessionError, DeviceID: deviceID, Error: message}
}

// Encode marshals a reply.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}
