package schema

import "fmt"

type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue locates one problem in a checked document by JSON pointer.
type ValidationIssue struct {
	Path     string             `json:"path"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

// ValidationResult collects every issue of a structural check instead of
// stopping at the first. Warnings never make a result invalid.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

func (r *ValidationResult) Valid() bool { return len(r.Errors) == 0 }

func (r *ValidationResult) AddError(path, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{path, code, message, SeverityError})
}

func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{path, code, message, SeverityWarning})
}

// Merge appends the issues of other. A nil other is ignored.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other != nil {
		r.Errors = append(r.Errors, other.Errors...)
		r.Warnings = append(r.Warnings, other.Warnings...)
	}
}

// ToError returns nil for a valid result. A lone error keeps its code and
// path; several collapse into VALIDATION_ERROR with every issue in Details.
func (r *ValidationResult) ToError() error {
	var err *Error
	switch len(r.Errors) {
	case 0:
		return nil
	case 1:
		issue := r.Errors[0]
		code := issue.Code
		if code == "" {
			code = ErrCodeValidation
		}
		err = NewError(code, issue.Message).WithPath(issue.Path)
	default:
		err = NewError(ErrCodeValidation, fmt.Sprintf("validation failed with %d errors", len(r.Errors)))
	}
	return err.WithDetails(map[string]any{
		"error_count":   len(r.Errors),
		"warning_count": len(r.Warnings),
		"errors":        r.Errors,
		"warnings":      r.Warnings,
	})
}
