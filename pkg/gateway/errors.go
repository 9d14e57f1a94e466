package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/odin-protocol/gateway/pkg/oerr"
	"github.com/odin-protocol/gateway/pkg/translate"
)

// Error codes owned by the gateway layer.
const (
	CodeInvalidJSON       = "odin.request.invalid_json"
	CodeTooLarge          = "odin.request.too_large"
	CodeProofMissing      = "odin.proof.missing"
	CodeProofInvalid      = "odin.proof.invalid"
	CodeProofRequired     = "odin.proof.required"
	CodePolicyBlocked     = "odin.policy.blocked"
	CodeJWKSHostForbidden = "odin.policy.jwks_host_forbidden"
	CodeMapNotFound       = "odin.translate.map_not_found"
	CodeSignStreamError   = "odin.sign.stream_error"
	CodeSFTInvalid        = "odin.sft.invalid"
	CodeRateLimited       = "odin.request.rate_limited"
	CodeUpstream          = "odin.bridge.upstream"
	CodeUnknownTarget     = "odin.bridge.unknown_target"
	CodeInternal          = "odin.internal"
)

// statusFor is the single place where stable codes become HTTP statuses.
func statusFor(code string) int {
	switch code {
	case CodeInvalidJSON, CodeSFTInvalid:
		return http.StatusBadRequest
	case CodeProofMissing, CodeProofInvalid:
		return http.StatusUnauthorized
	case CodePolicyBlocked, CodeJWKSHostForbidden:
		return http.StatusForbidden
	case CodeMapNotFound, CodeUnknownTarget:
		return http.StatusNotFound
	case CodeProofRequired:
		return http.StatusNotAcceptable
	case CodeTooLarge:
		return http.StatusRequestEntityTooLarge
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case translate.CodeInputInvalid, translate.CodeOutputInvalid,
		translate.CodeEnumViolation, translate.CodeRequiredMissing,
		translate.CodeInsufficientCoverage:
		return http.StatusUnprocessableEntity
	case CodeUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError emits the structured error shape. The HTTPHint on the error
// overrides the code mapping when set.
func writeError(w http.ResponseWriter, err *oerr.Error) {
	status := statusFor(err.Code)
	if err.HTTPHint != 0 {
		status = err.HTTPHint
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}

// asError coerces any error into the wire shape, hiding internals behind a
// generic code.
func asError(err error) *oerr.Error {
	if oe, ok := oerr.As(err); ok {
		return oe
	}
	return oerr.New(CodeInternal, "internal error")
}
