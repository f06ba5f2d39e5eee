// Copyright 2025 James Ross
package handler

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateOutputAcceptsMatchingSchema(t *testing.T) {
	schema, err := LoadSchema([]byte(`{"type":"object","required":["ok"],"properties":{"ok":{"type":"boolean"}}}`))
	require.NoError(t, err)

	res := Result{Outcome: OutcomeSucceeded, Output: []byte(`{"ok":true}`)}
	require.NoError(t, ValidateOutput(&res, schema))
	require.Equal(t, OutcomeSucceeded, res.Outcome)
	require.Empty(t, res.ValidationErrors)
}

func TestValidateOutputRejectsMismatch(t *testing.T) {
	schema, err := LoadSchema([]byte(`{"type":"object","required":["ok"],"properties":{"ok":{"type":"boolean"}}}`))
	require.NoError(t, err)

	res := Result{Outcome: OutcomeSucceeded, Output: []byte(`{"ok":"not-a-bool"}`)}
	require.NoError(t, ValidateOutput(&res, schema))
	require.Equal(t, OutcomeFailed, res.Outcome)
	require.NotEmpty(t, res.ValidationErrors)
}

func TestValidateOutputNilSchemaIsNoop(t *testing.T) {
	res := Result{Outcome: OutcomeSucceeded, Output: []byte(`{"anything":1}`)}
	require.NoError(t, ValidateOutput(&res, nil))
	require.Equal(t, OutcomeSucceeded, res.Outcome)
}
