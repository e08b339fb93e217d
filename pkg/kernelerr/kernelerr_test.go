package kernelerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewFormatsMessage(t *testing.T) {
	err := New(CodeCapTypeMismatch, "expected %s, got %s", "int", "string")
	assert.Equal(t, CodeCapTypeMismatch, err.Code)
	assert.Equal(t, "cap.type_mismatch: expected int, got string", err.Error())
}

func TestWrapPreservesUnwrap(t *testing.T) {
	inner := errors.New("disk full")
	err := Wrap(CodeStoreError, inner)
	assert.ErrorIs(t, err, inner)
	assert.Equal(t, CodeStoreError, err.Code)
}

func TestWithFieldChains(t *testing.T) {
	err := New(CodeGovernanceApplyInflight, "proposal busy").
		WithField("proposal_id", "p-1").
		WithField("attempt", 2)

	assert.Equal(t, "p-1", err.Fields["proposal_id"])
	assert.Equal(t, 2, err.Fields["attempt"])
}

func TestErrorWithoutMessageIsJustCode(t *testing.T) {
	err := &Error{Code: CodeSnapshotUnavailable}
	assert.Equal(t, "snapshot.unavailable", err.Error())
}
