package indexer

import (
	"fmt"
	"net/http"

	"github.com/ordware/satsync/internal/config"
)

// HTTPError is a non-2xx response from the indexer. A 404 matches
// config.ErrNotFound via errors.Is: metadata absence and token absence are
// domain signals the decoders recover from locally, not failures.
type HTTPError struct {
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("indexer: HTTP %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("indexer: HTTP %d", e.Status)
}

// Is matches config.ErrNotFound for 404 responses.
func (e *HTTPError) Is(target error) bool {
	return target == config.ErrNotFound && e.Status == http.StatusNotFound
}
