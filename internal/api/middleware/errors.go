package middleware

import (
	"errors"
	"net/http"

	"github.com/dvloznov/billscan/internal/domain"
	"github.com/dvloznov/billscan/internal/jobs"
)

// StatusFor maps a pipeline error to its HTTP status.
func StatusFor(err error) int {
	var (
		vErr   *domain.ValidationError
		extErr *domain.ExtractionError
		stErr  *domain.StoreError
	)
	switch {
	case errors.As(err, &vErr):
		switch vErr.Code {
		case domain.CodeTooLarge:
			return http.StatusRequestEntityTooLarge
		case domain.CodeUnsupportedContentType:
			return http.StatusUnsupportedMediaType
		}
		return http.StatusBadRequest
	case errors.As(err, &extErr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, jobs.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict
	case errors.As(err, &stErr):
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}

// WriteDomainError writes err with the status StatusFor picks. Server-side
// failures get a generic message so store internals do not leak.
func WriteDomainError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	message := err.Error()

	var (
		vErr   *domain.ValidationError
		extErr *domain.ExtractionError
	)
	switch {
	case errors.As(err, &vErr):
		message = vErr.Message
	case errors.As(err, &extErr):
		message = extErr.Error()
	case status == http.StatusNotFound:
		message = "Not found"
	case status >= http.StatusInternalServerError:
		message = "Internal server error"
	}

	WriteError(w, status, message)
}
