package device

import (
	"context"
	"errors"
	"net"
	"os"

	apperrors "github.com/chiquitav2/vpn-provisioner/internal/shared/errors"
)

// Re-exported for drivers and callers that only import device.
var (
	ErrPeerNotFound      = apperrors.ErrPeerNotFound
	ErrDeviceUnreachable = apperrors.ErrDeviceUnreachable
	ErrAuthFailed        = apperrors.ErrAuthFailed
	ErrInterfaceNotFound = apperrors.ErrInterfaceNotFound
)

// Unreachable wraps a transport failure.
func Unreachable(msg string, cause error) apperrors.DomainError {
	return apperrors.NewDeviceError(apperrors.ErrCodeDeviceUnreachable, msg, true, cause)
}

// AuthFailed wraps a login rejection.
func AuthFailed(msg string, cause error) apperrors.DomainError {
	return apperrors.NewDeviceError(apperrors.ErrCodeAuthFailed, msg, false, cause)
}

// InterfaceNotFound reports a missing tunnel interface.
func InterfaceNotFound(iface string) apperrors.DomainError {
	return apperrors.NewDeviceError(apperrors.ErrCodeInterfaceNotFound, "tunnel interface not found", false, nil).
		WithMetadata("interface", iface)
}

// PeerNotFound reports that no peer matched.
func PeerNotFound(match PeerMatch) apperrors.DomainError {
	return apperrors.NewDeviceError(apperrors.ErrCodePeerNotFound, "peer not found on device", false, nil).
		WithMetadata("match", match.String())
}

// CommandFailed wraps a device-side command rejection.
func CommandFailed(msg string, cause error) apperrors.DomainError {
	return apperrors.NewDeviceError(apperrors.ErrCodeDeviceCommand, msg, false, cause)
}

// Classify turns raw transport errors into device domain errors. Errors that
// already carry a domain code pass through unchanged.
func Classify(err error) error {
	if err == nil || apperrors.IsDomainError(err) {
		return err
	}
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return Unreachable("device call timed out", err)
	case errors.Is(err, context.Canceled):
		return Unreachable("device call cancelled", err)
	case errors.As(err, &netErr):
		return Unreachable("network error", err)
	default:
		return Unreachable("device transport error", err)
	}
}

// IsPeerNotFound reports whether err means the peer is absent.
func IsPeerNotFound(err error) bool {
	return errors.Is(err, ErrPeerNotFound)
}

// tearsDown reports whether err leaves the session unusable.
func tearsDown(err error) bool {
	return apperrors.IsErrorCode(err, apperrors.ErrCodeDeviceUnreachable) ||
		apperrors.IsErrorCode(err, apperrors.ErrCodeAuthFailed)
}
