package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationResult_EmptyIsValid(t *testing.T) {
	r := &ValidationResult{}
	assert.True(t, r.Valid())
}

func TestValidationResult_AddError(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("sequences.save[0]", ErrCodeUnknownOperator, "operator not registered")

	assert.False(t, r.Valid())
	require.Len(t, r.Errors, 1)
	assert.Equal(t, "sequences.save[0]", r.Errors[0].Path)
	assert.Equal(t, ErrCodeUnknownOperator, r.Errors[0].Code)
	assert.Equal(t, SeverityError, r.Errors[0].Severity)
}

func TestValidationResult_AddWarning(t *testing.T) {
	r := &ValidationResult{}
	r.AddWarning("data.c/items", ErrCodeValidation, "collection has no default")

	assert.True(t, r.Valid(), "warnings alone should not make result invalid")
	require.Len(t, r.Warnings, 1)
	assert.Equal(t, SeverityWarning, r.Warnings[0].Severity)
}

func TestValidationResult_Merge(t *testing.T) {
	r1 := &ValidationResult{}
	r1.AddError("/", ErrCodeValidation, "err1")
	r1.AddWarning("/", ErrCodeValidation, "warn1")

	r2 := &ValidationResult{}
	r2.AddError("plugins", ErrCodeCycleDetected, "err2")
	r2.Merge(nil)

	r1.Merge(r2)

	assert.Len(t, r1.Errors, 2)
	assert.Len(t, r1.Warnings, 1)
}

func TestValidationResult_ToError_Valid(t *testing.T) {
	r := &ValidationResult{}
	r.AddWarning("/", ErrCodeValidation, "just a warning")
	assert.Nil(t, r.ToError())
}

func TestValidationResult_ToError_SingleErrorKeepsCodeAndPath(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("sequences.save[1]", ErrCodeMalformedAction, "block has 2 operator keys")

	err := r.ToError()
	require.Error(t, err)

	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ErrCodeMalformedAction, se.Code)
	assert.Equal(t, "sequences.save[1]", se.Path)
	assert.Equal(t, 1, se.Details["error_count"])
}

func TestValidationResult_ToError_MultipleErrors(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("/a", ErrCodeNotFound, "err1")
	r.AddError("/b", ErrCodeMalformedAction, "err2")

	err := r.ToError()
	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ErrCodeValidation, se.Code)
	assert.Equal(t, "validation failed with 2 errors", se.Message)
	assert.Empty(t, se.Path)
}
