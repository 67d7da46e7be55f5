package faults

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOfUnwrapsThroughLayers(t *testing.T) {
	inner := New(QueryInvalid, "multi-statement input")
	wrapped := fmt.Errorf("translating question: %w", inner)

	assert.Equal(t, QueryInvalid, KindOf(wrapped))
	assert.True(t, IsKind(wrapped, QueryInvalid))
	assert.False(t, IsKind(wrapped, Timeout))
}

func TestKindOfPlainErrorIsInternal(t *testing.T) {
	assert.Equal(t, Internal, KindOf(errors.New("boom")))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	fault := Wrap(BackendUnreachable, "cannot reach postgres", cause).
		WithRemediation("check the host and port")

	require.ErrorIs(t, fault, cause)
	assert.Contains(t, fault.Error(), "backend_unreachable")
	assert.Contains(t, fault.Error(), "connection refused")
	assert.Equal(t, "check the host and port", fault.Remediation)
}

func TestQueryAndRawAttachments(t *testing.T) {
	fault := New(LLMParseError, "model returned prose").WithRaw("here is your query:")
	assert.Equal(t, "here is your query:", fault.Raw)

	fault = New(QueryInvalid, "rejected statement").WithQuery("DROP TABLE users")
	assert.Equal(t, "DROP TABLE users", fault.Query)
}

func TestExitCodes(t *testing.T) {
	cases := []struct {
		kind Kind
		code int
	}{
		{AuthExpired, ExitAuth},
		{AuthTimeout, ExitAuth},
		{ConfigInvalid, ExitConfig},
		{BackendUnreachable, ExitUnreachable},
		{LLMUnavailable, ExitUnreachable},
		{QueryInvalid, ExitQuery},
		{LLMParseError, ExitQuery},
		{Timeout, ExitTimeout},
		{ToolExecutionFailed, ExitUnreachable},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.code, ExitCode(New(tc.kind, "x")), string(tc.kind))
	}

	assert.Equal(t, ExitOK, ExitCode(nil))
	assert.Equal(t, ExitUnreachable, ExitCode(errors.New("unclassified")))
}
