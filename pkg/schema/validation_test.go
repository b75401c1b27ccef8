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
	r.AddError("transitions[0].to", ErrCodeDefinitionInvalid, "state not found")

	assert.False(t, r.Valid())
	require.Len(t, r.Errors, 1)
	assert.Equal(t, "transitions[0].to", r.Errors[0].Path)
	assert.Equal(t, ErrCodeDefinitionInvalid, r.Errors[0].Code)
	assert.Equal(t, "state not found", r.Errors[0].Message)
	assert.Equal(t, SeverityError, r.Errors[0].Severity)
}

func TestValidationResult_AddWarning(t *testing.T) {
	r := &ValidationResult{}
	r.AddWarning("states.done", ErrCodeValidation, "state is unreachable")

	assert.True(t, r.Valid(), "warnings alone should not make result invalid")
	require.Len(t, r.Warnings, 1)
	assert.Equal(t, SeverityWarning, r.Warnings[0].Severity)
}

func TestValidationResult_Merge(t *testing.T) {
	r1 := &ValidationResult{}
	r1.AddError("/", ErrCodeValidation, "err1")
	r1.AddWarning("/", ErrCodeValidation, "warn1")

	r2 := &ValidationResult{}
	r2.AddError("transitions[0]", ErrCodeDefinitionInvalid, "err2")
	r2.AddWarning("states.x", ErrCodeValidation, "warn2")

	r1.Merge(r2)

	assert.Len(t, r1.Errors, 2)
	assert.Len(t, r1.Warnings, 2)
}

func TestValidationResult_MergeNil(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("/", ErrCodeValidation, "err")
	r.Merge(nil)
	assert.Len(t, r.Errors, 1)
}

func TestValidationResult_ToError_Valid(t *testing.T) {
	r := &ValidationResult{}
	r.AddWarning("/", ErrCodeValidation, "just a warning")
	assert.Nil(t, r.ToError(ErrCodeDefinitionInvalid))
}

func TestValidationResult_ToError_SingleError(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("transitions[0].to", ErrCodeDefinitionInvalid, "state not found")

	err := r.ToError(ErrCodeDefinitionInvalid)
	require.NotNil(t, err)

	sErr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, ErrCodeDefinitionInvalid, sErr.Code)
	assert.Equal(t, "state not found", sErr.Message)
	assert.Equal(t, 1, sErr.Details["error_count"])
}

func TestValidationResult_ToError_MultipleErrors(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("/", ErrCodeValidation, "err1")
	r.AddError("/", ErrCodeValidation, "err2")
	r.AddWarning("/", ErrCodeValidation, "warn1")

	err := r.ToError(ErrCodeValidation)
	require.NotNil(t, err)

	sErr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, ErrCodeValidation, sErr.Code)
	assert.Contains(t, sErr.Message, "2 errors")
	assert.Equal(t, 2, sErr.Details["error_count"])
	assert.Equal(t, 1, sErr.Details["warning_count"])
}
