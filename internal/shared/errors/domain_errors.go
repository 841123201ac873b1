package errors

import (
	"errors"
	"fmt"
	"maps"
)

// DomainError is an error with a stable code the API and the logs can rely on.
type DomainError interface {
	error
	Domain() string
	Code() string
	Retryable() bool
	Metadata() map[string]any
	// WithMetadata returns a decorated copy.
	WithMetadata(key string, value any) DomainError
}

// BaseError implements DomainError.
type BaseError struct {
	domain    string
	code      string
	message   string
	retryable bool
	cause     error
	meta      map[string]any
}

func NewBaseError(domain, code, message string, retryable bool, cause error, metadata map[string]any) *BaseError {
	return &BaseError{
		domain:    domain,
		code:      code,
		message:   message,
		retryable: retryable,
		cause:     cause,
		meta:      maps.Clone(metadata),
	}
}

func (e *BaseError) Error() string {
	head := fmt.Sprintf("[%s:%s] %s", e.domain, e.code, e.message)
	if e.cause == nil {
		return head
	}
	return head + ": " + e.cause.Error()
}

func (e *BaseError) Unwrap() error   { return e.cause }
func (e *BaseError) Domain() string  { return e.domain }
func (e *BaseError) Code() string    { return e.code }
func (e *BaseError) Message() string { return e.message }
func (e *BaseError) Retryable() bool { return e.retryable }

func (e *BaseError) Metadata() map[string]any {
	if e.meta == nil {
		return map[string]any{}
	}
	return e.meta
}

// Is matches on domain and code so decorated copies still match sentinels.
func (e *BaseError) Is(target error) bool {
	t, ok := target.(*BaseError)
	return ok && t.domain == e.domain && t.code == e.code
}

func (e *BaseError) WithMetadata(key string, value any) DomainError {
	cp := *e
	cp.meta = maps.Clone(e.meta)
	if cp.meta == nil {
		cp.meta = make(map[string]any, 1)
	}
	cp.meta[key] = value
	return &cp
}

const (
	DomainIP           = "ip"
	DomainDevice       = "device"
	DomainConfig       = "config"
	DomainProvisioning = "provisioning"
	DomainDatabase     = "database"
	DomainSystem       = "system"
	DomainAPI          = "api"
)

// address pool
const (
	ErrCodePoolExhausted    = "pool_exhausted"
	ErrCodeCapacityExceeded = "capacity_exceeded"
	ErrCodeInvalidPool      = "invalid_pool"
	ErrCodeInvalidIPAddress = "invalid_ip_address"
)

// device gateway
const (
	ErrCodeDeviceUnreachable = "device_unreachable"
	ErrCodeAuthFailed        = "auth_failed"
	ErrCodeInterfaceNotFound = "interface_not_found"
	ErrCodePeerConflict      = "peer_conflict"
	ErrCodePeerNotFound      = "peer_not_found"
	ErrCodeDeviceCommand     = "device_command_failed"
	ErrCodeCircuitOpen       = "circuit_breaker_open"
)

// configs, servers and plans
const (
	ErrCodeConfigNotFound = "config_not_found"
	ErrCodeServerNotFound = "server_not_found"
	ErrCodePlanNotFound   = "plan_not_found"
	ErrCodeInvalidState   = "invalid_state"
	ErrCodeServerInactive = "server_inactive"
	ErrCodeKeyGeneration  = "key_generation_failed"
	ErrCodeInFlight       = "operation_in_flight"
)

const (
	ErrCodePersistence   = "persistence_error"
	ErrCodeConfiguration = "config_error"
	ErrCodeInternal      = "internal_error"
	ErrCodeValidation    = "validation_error"
	ErrCodeTimeout       = "timeout"
)

func NewIPError(code, message string, retryable bool, cause error) DomainError {
	return NewBaseError(DomainIP, code, message, retryable, cause, nil)
}

func NewDeviceError(code, message string, retryable bool, cause error) DomainError {
	return NewBaseError(DomainDevice, code, message, retryable, cause, nil)
}

func NewConfigError(code, message string, retryable bool, cause error) DomainError {
	return NewBaseError(DomainConfig, code, message, retryable, cause, nil)
}

func NewProvisioningError(code, message string, retryable bool, cause error) DomainError {
	return NewBaseError(DomainProvisioning, code, message, retryable, cause, nil)
}

func NewDatabaseError(code, message string, retryable bool, cause error) DomainError {
	return NewBaseError(DomainDatabase, code, message, retryable, cause, nil)
}

func NewSystemError(code, message string, retryable bool, cause error) DomainError {
	return NewBaseError(DomainSystem, code, message, retryable, cause, nil)
}

func NewAPIError(code, message string, retryable bool, cause error) DomainError {
	return NewBaseError(DomainAPI, code, message, retryable, cause, nil)
}

// WrapWithDomain attaches a code to an error from outside the domain.
func WrapWithDomain(err error, domain, code, message string, retryable bool) DomainError {
	return NewBaseError(domain, code, message, retryable, err, nil)
}

// Sentinels for errors.Is.
var (
	ErrPoolExhausted     = NewIPError(ErrCodePoolExhausted, "no free address in pool", false, nil)
	ErrCapacityExceeded  = NewIPError(ErrCodeCapacityExceeded, "server capacity reached", false, nil)
	ErrDeviceUnreachable = NewDeviceError(ErrCodeDeviceUnreachable, "device unreachable", true, nil)
	ErrAuthFailed        = NewDeviceError(ErrCodeAuthFailed, "device authentication failed", false, nil)
	ErrInterfaceNotFound = NewDeviceError(ErrCodeInterfaceNotFound, "tunnel interface not found", false, nil)
	ErrPeerNotFound      = NewDeviceError(ErrCodePeerNotFound, "peer not found on device", false, nil)
	ErrPeerConflict      = NewDeviceError(ErrCodePeerConflict, "peer already exists", false, nil)
	ErrConfigNotFound    = NewConfigError(ErrCodeConfigNotFound, "config not found", false, nil)
	ErrServerNotFound    = NewConfigError(ErrCodeServerNotFound, "server not found", false, nil)
	ErrPlanNotFound      = NewConfigError(ErrCodePlanNotFound, "plan not found", false, nil)
	ErrInvalidState      = NewConfigError(ErrCodeInvalidState, "operation not allowed in current state", false, nil)
	ErrPersistence       = NewDatabaseError(ErrCodePersistence, "persistence error", true, nil)
)

func IsDomainError(err error) bool {
	var de DomainError
	return errors.As(err, &de)
}

// IsRetryable looks only at the outermost DomainError.
func IsRetryable(err error) bool {
	var de DomainError
	return errors.As(err, &de) && de.Retryable()
}

// GetErrorCode is the outermost DomainError's code, or "unknown".
func GetErrorCode(err error) string {
	var de DomainError
	if errors.As(err, &de) {
		return de.Code()
	}
	return "unknown"
}

// IsErrorCode reports whether any DomainError in the tree carries code.
// Joined errors are searched too.
func IsErrorCode(err error, code string) bool {
	if err == nil {
		return false
	}
	if de, ok := err.(DomainError); ok && de.Code() == code {
		return true
	}
	switch u := err.(type) {
	case interface{ Unwrap() error }:
		return IsErrorCode(u.Unwrap(), code)
	case interface{ Unwrap() []error }:
		for _, e := range u.Unwrap() {
			if IsErrorCode(e, code) {
				return true
			}
		}
	}
	return false
}

var userMessages = map[string]string{
	ErrCodePoolExhausted:     "The selected server is full. Please choose another server.",
	ErrCodeCapacityExceeded:  "The selected server is full. Please choose another server.",
	ErrCodeDeviceUnreachable: "The VPN server is temporarily unavailable. Please try again later.",
	ErrCodeCircuitOpen:       "The VPN server is temporarily unavailable. Please try again later.",
	ErrCodeTimeout:           "The VPN server is temporarily unavailable. Please try again later.",
	ErrCodeAuthFailed:        "The VPN server is misconfigured. An administrator has been notified.",
	ErrCodeInterfaceNotFound: "The VPN server is misconfigured. An administrator has been notified.",
	ErrCodeConfigNotFound:    "The requested configuration does not exist.",
	ErrCodeServerNotFound:    "The selected server is not available.",
	ErrCodeServerInactive:    "The selected server is not available.",
	ErrCodePlanNotFound:      "The selected plan does not exist.",
	ErrCodeInvalidState:      "This configuration cannot be changed right now.",
	ErrCodeValidation:        "The request is invalid.",
	ErrCodeInFlight:          "A request for this user is already in progress.",
}

// UserMessage is the end-user text for err. Internals never leak through it.
func UserMessage(err error) string {
	if msg, ok := userMessages[GetErrorCode(err)]; ok {
		return msg
	}
	return "An internal error occurred."
}
