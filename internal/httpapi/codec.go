package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/fnmesh/globalscheduler/internal/wire"
)

// writeError and writeSuccess mirror harpoon-scheduler/main.go's
// envelope shape; writeJSON is this package's addition for handlers
// that answer with a typed payload rather than a bare message.
func writeError(w http.ResponseWriter, code int, err error) {
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(errorResponse{
		StatusCode: code,
		StatusText: http.StatusText(code),
		Error:      err.Error(),
	})
}

func writeSuccess(w http.ResponseWriter, message string) {
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(successResponse{
		Message: message,
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(v)
}

// writeWireError maps a *wire.Error to an HTTP status: not-found codes
// -> 404, parameter and resource-config errors -> 400, inner
// communication failures -> 503, create rate limiting -> 429, and
// everything else (including any error that is not a *wire.Error) -> 500.
func writeWireError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	if werr, ok := err.(*wire.Error); ok {
		switch werr.Code {
		case wire.ErrInstanceNotFound, wire.ErrFunctionMetaNotFound:
			code = http.StatusNotFound
		case wire.ErrParamInvalid, wire.ErrResourceConfigError:
			code = http.StatusBadRequest
		case wire.ErrInnerCommunication:
			code = http.StatusServiceUnavailable
		case wire.ErrCreateRateLimited:
			code = http.StatusTooManyRequests
		}
	}
	writeError(w, code, err)
}

type errorResponse struct {
	StatusCode int    `json:"status_code"`
	StatusText string `json:"status_text"`
	Error      string `json:"error"`
}

type successResponse struct {
	Message string `json:"message"`
}
