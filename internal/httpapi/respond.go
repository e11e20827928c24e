package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/sxmxc/opstoolbox/internal/apperr"
	"github.com/sxmxc/opstoolbox/internal/logger"
)

func writeJSON(w http.ResponseWriter, log logger.Logger, status int, body any) {
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error("httpapi: encode response body: %v", err)
	}
}

// writeError translates err through apperr's taxonomy into a status code
// and a {"error": {...}} body. An error with no *apperr.Error wrapping maps
// to 500 and is logged -- callers never need to do this translation
// themselves.
func writeError(w http.ResponseWriter, log logger.Logger, err error) {
	status := apperr.HTTPStatus(err)
	kind := apperr.KindOf(err)
	if status >= http.StatusInternalServerError {
		log.Error("httpapi: %v", err)
	}

	body := map[string]any{
		"error": map[string]any{
			"kind":    kind,
			"message": err.Error(),
		},
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) && appErr.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(appErr.RetryAfter))
	}
	writeJSON(w, log, status, body)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperr.Validation("malformed JSON body: " + err.Error())
	}
	return nil
}
