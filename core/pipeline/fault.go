package pipeline

import "net/http"

// Fault error codes, the call pipeline's exit taxonomy.
const (
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeValidation          = "VALIDATION_ERROR"
	CodePolicyDenied        = "POLICY_DENIED"
	CodeInsufficientBalance = "INSUFFICIENT_BALANCE"
	CodeNotFound            = "NOT_FOUND"
	CodeUpstream            = "UPSTREAM_ERROR"
	CodeInternal            = "INTERNAL"
)

// Fault is a terminal pipeline failure carrying the wire error code.
type Fault struct {
	Code    string
	Message string
	Details map[string]any
}

func (f *Fault) Error() string { return f.Code + ": " + f.Message }

// HTTPStatus maps a fault code to its response status.
func (f *Fault) HTTPStatus() int {
	switch f.Code {
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeValidation:
		return http.StatusBadRequest
	case CodePolicyDenied:
		return http.StatusForbidden
	case CodeInsufficientBalance:
		return http.StatusPaymentRequired
	case CodeNotFound:
		return http.StatusNotFound
	case CodeUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func faultf(code, message string) *Fault {
	return &Fault{Code: code, Message: message}
}
