package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	apperrors "github.com/chiquitav2/vpn-provisioner/internal/shared/errors"
	applogger "github.com/chiquitav2/vpn-provisioner/internal/shared/logger"
	"github.com/chiquitav2/vpn-provisioner/pkg/api"
)

const maxBodyBytes = 1 << 20

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, statusCode int, data any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(data)
}

// WriteSuccess writes a JSON envelope with status 200.
func WriteSuccess[T any](w http.ResponseWriter, data T) error {
	return WriteStatus(w, http.StatusOK, data)
}

// WriteStatus writes a success envelope with the given status code.
func WriteStatus[T any](w http.ResponseWriter, statusCode int, data T) error {
	return WriteJSON(w, statusCode, api.Response[T]{Success: true, Data: data})
}

// ParseJSONRequest decodes the body strictly into dst.
func ParseJSONRequest(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return validationError(fmt.Sprintf("invalid JSON body: %v", err))
	}
	if dec.More() {
		return validationError("request body must contain one JSON object")
	}
	return nil
}

func validationError(msg string) error {
	return apperrors.NewAPIError(apperrors.ErrCodeValidation, msg, false, nil)
}

// writeError logs err and writes the matching status with a user-safe
// message. Unknown errors become 500.
func writeError(w http.ResponseWriter, r *http.Request, logger *applogger.Logger, err error) {
	ctx := r.Context()
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.ErrorCtx(ctx, "API request failed", err)
	} else {
		logger.WarnCtx(ctx, "API request rejected", err)
	}

	info := &api.ErrorInfo{
		Code:      apperrors.ErrCodeInternal,
		Message:   apperrors.UserMessage(err),
		RequestID: applogger.GetRequestID(ctx),
	}
	var domainErr apperrors.DomainError
	if errors.As(err, &domainErr) {
		info.Code = domainErr.Code()
		info.Retryable = domainErr.Retryable()
		if m, ok := domainErr.(interface{ Message() string }); ok && domainErr.Code() == apperrors.ErrCodeValidation {
			info.Message = m.Message()
		}
	}
	if info.Retryable && status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "30")
	}

	_ = WriteJSON(w, status, api.Response[any]{Success: false, Error: info})
}

// statusFor maps domain error codes to HTTP status codes.
func statusFor(err error) int {
	switch apperrors.GetErrorCode(err) {
	case apperrors.ErrCodeValidation, apperrors.ErrCodeInvalidIPAddress:
		return http.StatusUnprocessableEntity

	case apperrors.ErrCodeConfigNotFound, apperrors.ErrCodeServerNotFound, apperrors.ErrCodePlanNotFound:
		return http.StatusNotFound

	case apperrors.ErrCodeInvalidState, apperrors.ErrCodeInFlight, apperrors.ErrCodeServerInactive,
		apperrors.ErrCodePoolExhausted, apperrors.ErrCodeCapacityExceeded, apperrors.ErrCodePeerConflict:
		return http.StatusConflict

	case apperrors.ErrCodeAuthFailed, apperrors.ErrCodeInterfaceNotFound, apperrors.ErrCodeDeviceCommand,
		apperrors.ErrCodePeerNotFound:
		return http.StatusBadGateway

	case apperrors.ErrCodeDeviceUnreachable, apperrors.ErrCodeCircuitOpen, apperrors.ErrCodeTimeout:
		return http.StatusServiceUnavailable

	default:
		return http.StatusInternalServerError
	}
}
