package httputil

import (
	"encoding/json"
	"net/http"
	"time"
)

// ParseJSONOrError decodes the request body into dst. On failure it writes a
// 400 response and returns false; the handler should just return.
func ParseJSONOrError(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		WriteErrorMessage(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// ParseQueryTime parses an RFC 3339 query parameter, returning def when the
// parameter is absent. A malformed value also returns def; handlers that need
// strict parsing validate separately.
func ParseQueryTime(r *http.Request, key string, def time.Time) time.Time {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return def
	}
	return parsed
}
