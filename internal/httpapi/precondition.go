package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"contas/internal/core"
)

// parseIfMatch extracts the claimed version from the If-Match header.
// Missing header → ErrMissingPrecondition: the caller never read the
// resource and must not mutate blind. A present but unparseable header is a
// malformed request, reported separately so it maps to 400, not 428.
func parseIfMatch(r *http.Request) (int64, error) {
	raw := r.Header.Get("If-Match")
	if raw == "" {
		return 0, core.ErrMissingPrecondition
	}
	v, err := strconv.ParseInt(strings.Trim(raw, `"`), 10, 64)
	if err != nil || v < 1 {
		return 0, fmt.Errorf("%w: %q", errMalformedIfMatch, raw)
	}
	return v, nil
}

var errMalformedIfMatch = fmt.Errorf("malformed If-Match header")

// writeETag stamps the response with the resource version so the client can
// echo it back on the next mutation.
func writeETag(w http.ResponseWriter, version int64) {
	w.Header().Set("ETag", `"`+strconv.FormatInt(version, 10)+`"`)
}
