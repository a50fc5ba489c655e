package errors

import (
	"errors"
)

// Wrap wraps an error with additional context, creating a HyteError if the input is not already one
func Wrap(err error, errType ErrorType, code, message string) *HyteError {
	if err == nil {
		return nil
	}

	// Keep location details from an existing HyteError in the chain
	var he *HyteError
	if errors.As(err, &he) {
		return &HyteError{
			Type:       errType,
			Code:       code,
			Message:    message,
			Cause:      he,
			Context:    he.Context,
			TemplateID: he.TemplateID,
			FilePath:   he.FilePath,
			Line:       he.Line,
			Column:     he.Column,
		}
	}

	return &HyteError{
		Type:    errType,
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// WrapIO wraps an error as an I/O error
func WrapIO(err error, code, message string) *HyteError {
	return Wrap(err, ErrorTypeIO, code, message)
}

// WrapInternal wraps an error as an internal error
func WrapInternal(err error, code, message string) *HyteError {
	return Wrap(err, ErrorTypeInternal, code, message)
}

// Fields flattens the structured parts of err into logger key/value pairs.
func Fields(err error) []interface{} {
	var he *HyteError
	if !errors.As(err, &he) {
		return nil
	}

	fields := []interface{}{"error_type", string(he.Type), "code", he.Code}
	if he.TemplateID != "" {
		fields = append(fields, "template", he.TemplateID)
	}
	if he.FilePath != "" {
		fields = append(fields, "file", he.FilePath)
	}
	if he.Line > 0 {
		fields = append(fields, "line", he.Line, "column", he.Column)
	}

	return fields
}
