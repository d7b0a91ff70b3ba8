package collector

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/scottlaird/report-collector/store"
)

var (
	// ErrInvalidContentType rejects a whole request that is not sent
	// as application/reports+json (or the csp-report polyfill).
	ErrInvalidContentType = errors.New("invalid content type")
	// ErrInvalidRequest rejects a whole request whose payload does not
	// match the report entry schema.
	ErrInvalidRequest = errors.New("invalid request")
)

// EntryError is the failure of one entry of a batch.
type EntryError struct {
	Index   int
	Code    string
	Message string
	Status  int
	Err     error
}

func (e *EntryError) Error() string {
	msg := fmt.Sprintf("entry %d: %s", e.Index, e.Message)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *EntryError) Unwrap() error {
	return e.Err
}

// entryError converts a store failure into an EntryError, keeping the
// store's code.
func entryError(index int, err error) *EntryError {
	ee := &EntryError{
		Index:   index,
		Code:    "internal_error",
		Message: "Internal error.",
		Status:  http.StatusInternalServerError,
		Err:     err,
	}
	var serr *store.Error
	if errors.As(err, &serr) {
		ee.Code = serr.Code
		ee.Message = serr.Message
		if errors.Is(err, store.ErrValidation) {
			ee.Status = http.StatusBadRequest
		}
	}
	return ee
}

// BatchError collects every entry failure of a batch.  Any entry error
// fails the whole response, even though the other entries were stored.
type BatchError struct {
	Errors []*EntryError
}

func (e *BatchError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, ee := range e.Errors {
		msgs[i] = ee.Error()
	}
	return fmt.Sprintf("%d of the reports failed: %s", len(e.Errors), strings.Join(msgs, "; "))
}

func (e *BatchError) Unwrap() []error {
	errs := make([]error, len(e.Errors))
	for i, ee := range e.Errors {
		errs[i] = ee
	}
	return errs
}

// Status is the HTTP status for the batch: 400 when every failure was
// the client's fault, 500 otherwise.
func (e *BatchError) Status() int {
	for _, ee := range e.Errors {
		if ee.Status != http.StatusBadRequest {
			return http.StatusInternalServerError
		}
	}
	return http.StatusBadRequest
}
