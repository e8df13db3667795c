package app

import (
	"fmt"
	"net/http"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func validationError(message string, details any) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, details)
}

func forbidden(message string) *DomainError {
	return domainError(http.StatusForbidden, "FORBIDDEN", message, nil)
}

func notFound(message string) *DomainError {
	return domainError(http.StatusNotFound, "NOT_FOUND", message, nil)
}

func profileRequired() *DomainError {
	return domainError(http.StatusForbidden, "PROFILE_REQUIRED", "Create a profile first", nil)
}
