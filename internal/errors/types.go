// Package errors defines the structured error taxonomy shared by every hyte
// component.
//
// Every failure surfaced by the core is a *HyteError carrying an ErrorType.
// Callers classify failures with the standard library:
//
//	if errors.Is(err, herrors.ErrNotFound) { ... }
//
// or extract the full record with errors.As to read the template id and
// source location.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorType represents different categories of errors.
type ErrorType string

const (
	ErrorTypeIO         ErrorType = "io"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeSyntax     ErrorType = "syntax"
	ErrorTypeEndpoint   ErrorType = "endpoint"
	ErrorTypeParse      ErrorType = "parse"
	ErrorTypeTimeout    ErrorType = "timeout"
	ErrorTypeWatch      ErrorType = "watch"
	ErrorTypeConfig     ErrorType = "config"
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeInternal   ErrorType = "internal"
)

// Common error codes.
const (
	ErrCodeReadFailed       = "ERR_READ_FAILED"
	ErrCodeWriteFailed      = "ERR_WRITE_FAILED"
	ErrCodeTemplateNotFound = "ERR_TEMPLATE_NOT_FOUND"
	ErrCodeDuplicateID      = "ERR_DUPLICATE_ID"
	ErrCodeSyntax           = "ERR_TEMPLATE_SYNTAX"
	ErrCodeWrapper          = "ERR_WRAPPER"
	ErrCodeEndpointStatus   = "ERR_ENDPOINT_STATUS"
	ErrCodeEndpointFailed   = "ERR_ENDPOINT_FAILED"
	ErrCodeInvalidJSON      = "ERR_INVALID_JSON"
	ErrCodeTimeout          = "ERR_TIMEOUT"
	ErrCodeWatchFailed      = "ERR_WATCH_FAILED"
	ErrCodeConfigInvalid    = "ERR_CONFIG_INVALID"
	ErrCodeValidationFailed = "ERR_VALIDATION_FAILED"
	ErrCodeInternalError    = "ERR_INTERNAL"
)

// Sentinels for errors.Is. They match any HyteError of the same type.
var (
	ErrIO         = &HyteError{Type: ErrorTypeIO}
	ErrNotFound   = &HyteError{Type: ErrorTypeNotFound}
	ErrSyntax     = &HyteError{Type: ErrorTypeSyntax}
	ErrEndpoint   = &HyteError{Type: ErrorTypeEndpoint}
	ErrParse      = &HyteError{Type: ErrorTypeParse}
	ErrTimeout    = &HyteError{Type: ErrorTypeTimeout}
	ErrWatch      = &HyteError{Type: ErrorTypeWatch}
	ErrConfig     = &HyteError{Type: ErrorTypeConfig}
	ErrValidation = &HyteError{Type: ErrorTypeValidation}
)

// HyteError is a structured error type with context.
type HyteError struct {
	Type       ErrorType
	Code       string
	Message    string
	Cause      error
	Context    map[string]interface{}
	TemplateID string
	FilePath   string
	Line       int
	Column     int
}

// Error implements the error interface.
func (e *HyteError) Error() string {
	var parts []string

	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("[%s]", e.Code))
	}

	if e.TemplateID != "" {
		parts = append(parts, "template:"+e.TemplateID)
	}

	if e.FilePath != "" || e.Line > 0 {
		location := e.FilePath
		if e.Line > 0 {
			location += fmt.Sprintf(":%d", e.Line)
			if e.Column > 0 {
				location += fmt.Sprintf(":%d", e.Column)
			}
		}
		parts = append(parts, location)
	}

	if e.Message != "" {
		parts = append(parts, e.Message)
	} else {
		parts = append(parts, string(e.Type)+" error")
	}

	result := strings.Join(parts, " ")

	if e.Cause != nil {
		result += fmt.Sprintf(": %v", e.Cause)
	}

	return result
}

// Unwrap returns the underlying cause error.
func (e *HyteError) Unwrap() error {
	return e.Cause
}

// Is matches on type, and on code when the target sets one.
func (e *HyteError) Is(target error) bool {
	var t *HyteError
	if !errors.As(target, &t) {
		return false
	}
	if e.Type != t.Type {
		return false
	}

	return t.Code == "" || e.Code == t.Code
}

// WithContext adds context information to the error.
func (e *HyteError) WithContext(key string, value interface{}) *HyteError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value

	return e
}

// WithLocation adds file location information.
func (e *HyteError) WithLocation(filePath string, line, column int) *HyteError {
	e.FilePath = filePath
	e.Line = line
	e.Column = column

	return e
}

// WithTemplate adds template id context.
func (e *HyteError) WithTemplate(id string) *HyteError {
	e.TemplateID = id

	return e
}

// Error creation functions

// NewIOError creates an I/O error.
func NewIOError(code, message string, cause error) *HyteError {
	return &HyteError{
		Type:    ErrorTypeIO,
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// NewNotFoundError creates an error for a missing template.
func NewNotFoundError(id string) *HyteError {
	return &HyteError{
		Type:       ErrorTypeNotFound,
		Code:       ErrCodeTemplateNotFound,
		Message:    "template not found",
		TemplateID: id,
	}
}

// NewSyntaxError creates a template syntax error at a source position.
func NewSyntaxError(message string, line, column int) *HyteError {
	return &HyteError{
		Type:    ErrorTypeSyntax,
		Code:    ErrCodeSyntax,
		Message: message,
		Line:    line,
		Column:  column,
	}
}

// NewEndpointError creates a remote data endpoint error. status is zero for
// transport failures.
func NewEndpointError(uri string, status int, cause error) *HyteError {
	e := &HyteError{
		Type:  ErrorTypeEndpoint,
		Code:  ErrCodeEndpointFailed,
		Cause: cause,
	}
	if status > 0 {
		e.Code = ErrCodeEndpointStatus
		e.Message = fmt.Sprintf("endpoint returned: %d", status)
		e.WithContext("status", status)
	} else {
		e.Message = "endpoint request failed"
	}

	return e.WithContext("uri", uri)
}

// NewParseError creates an error for a payload that is not valid JSON.
func NewParseError(message string, cause error) *HyteError {
	return &HyteError{
		Type:    ErrorTypeParse,
		Code:    ErrCodeInvalidJSON,
		Message: message,
		Cause:   cause,
	}
}

// NewTimeoutError creates an error for an operation that ran past its deadline.
func NewTimeoutError(message string, cause error) *HyteError {
	return &HyteError{
		Type:    ErrorTypeTimeout,
		Code:    ErrCodeTimeout,
		Message: message,
		Cause:   cause,
	}
}

// NewWatchError creates a file notification subsystem error.
func NewWatchError(message string, cause error) *HyteError {
	return &HyteError{
		Type:    ErrorTypeWatch,
		Code:    ErrCodeWatchFailed,
		Message: message,
		Cause:   cause,
	}
}

// NewConfigError creates a configuration error.
func NewConfigError(code, message string) *HyteError {
	return &HyteError{
		Type:    ErrorTypeConfig,
		Code:    code,
		Message: message,
	}
}

// NewValidationError creates a validation error.
func NewValidationError(code, message string) *HyteError {
	return &HyteError{
		Type:    ErrorTypeValidation,
		Code:    code,
		Message: message,
	}
}

// GetType returns the ErrorType of err, or ErrorTypeInternal when err is not
// a HyteError.
func GetType(err error) ErrorType {
	var he *HyteError
	if errors.As(err, &he) {
		return he.Type
	}

	return ErrorTypeInternal
}

// IsType reports whether err is a HyteError of type t.
func IsType(err error, t ErrorType) bool {
	var he *HyteError
	if errors.As(err, &he) {
		return he.Type == t
	}

	return false
}

// FieldValidationError describes one invalid field.
type FieldValidationError struct {
	FieldName    string
	FieldValue   interface{}
	ErrorMessage string
}

// Error implements the error interface.
func (fve *FieldValidationError) Error() string {
	return fmt.Sprintf("validation error in field '%s': %s", fve.FieldName, fve.ErrorMessage)
}

// ValidationErrorCollection represents a collection of validation errors.
type ValidationErrorCollection struct {
	Errors []*FieldValidationError
}

// Error implements the error interface.
func (vec *ValidationErrorCollection) Error() string {
	if len(vec.Errors) == 0 {
		return "no validation errors"
	}
	if len(vec.Errors) == 1 {
		return vec.Errors[0].Error()
	}

	return fmt.Sprintf("validation failed with %d errors", len(vec.Errors))
}

// AddField adds a field validation error to the collection.
func (vec *ValidationErrorCollection) AddField(field string, value interface{}, message string) {
	vec.Errors = append(vec.Errors, &FieldValidationError{
		FieldName:    field,
		FieldValue:   value,
		ErrorMessage: message,
	})
}

// HasErrors returns true if there are any validation errors.
func (vec *ValidationErrorCollection) HasErrors() bool {
	return len(vec.Errors) > 0
}

// ToHyteError folds the collection into a single config error, or nil.
func (vec *ValidationErrorCollection) ToHyteError() *HyteError {
	if !vec.HasErrors() {
		return nil
	}

	messages := make([]string, 0, len(vec.Errors))
	e := NewConfigError(ErrCodeConfigInvalid, "")
	for _, err := range vec.Errors {
		messages = append(messages, err.Error())
		e.WithContext(err.FieldName, err.FieldValue)
	}
	e.Message = strings.Join(messages, "; ")

	return e
}
