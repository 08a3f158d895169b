package kong

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrGatewayUnavailable is returned without calling the gateway while the health monitor has
// marked it unavailable. Callers may retry later.
var ErrGatewayUnavailable = errors.New("kong admin end point not available")

// StatusError is an admin API answer with a status other than the one expected for the verb.
type StatusError struct {
	Method   string
	URL      string
	Status   int
	Expected int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("kong %s on %s did not return the expected status code (got: %d, expected: %d): %s",
		e.Method, e.URL, e.Status, e.Expected, e.Body)
}

// IsNotFound reports whether err is a 404 answer from the gateway.
func IsNotFound(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Status == http.StatusNotFound
	}
	return false
}
