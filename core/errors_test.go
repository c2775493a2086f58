package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Is(t *testing.T) {
	err := fmt.Errorf("install: %w", &Error{Kind: IntegrityViolation, Package: "left-pad", Version: "1.3.0"})

	assert.True(t, errors.Is(err, IntegrityViolation))
	assert.False(t, errors.Is(err, PathTraversal))
	assert.Equal(t, IntegrityViolation, KindOf(err))
}

func TestError_Message(t *testing.T) {
	err := &Error{
		Kind:     IntegrityViolation,
		Package:  "left-pad",
		Version:  "1.3.0",
		Expected: "sha512-aaa",
		Actual:   "sha512-bbb",
	}
	assert.Equal(t, "IntegrityViolation: left-pad@1.3.0 (expected sha512-aaa, got sha512-bbb)", err.Error())

	unresolvable := &Error{Kind: UnresolvableConstraint, Package: "c", Edges: []string{"a@1.0.0 -> c@^1", "b@1.0.0 -> c@^2"}}
	assert.Contains(t, unresolvable.Error(), "a@1.0.0 -> c@^1; b@1.0.0 -> c@^2")
}

func TestKindOf_Unclassified(t *testing.T) {
	assert.Equal(t, Unknown, KindOf(errors.New("boom")))
	assert.Equal(t, WorkspaceCycle, KindOf(fmt.Errorf("wrapped: %w", WorkspaceCycle)))
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, 0},
		{errors.New("boom"), 1},
		{&Error{Kind: PackageNotFound}, 2},
		{&Error{Kind: IntegrityViolation}, 3},
		{&Error{Kind: PermissionDenied}, 4},
		{&Error{Kind: WorkspaceCycle}, 5},
		{&Error{Kind: DownloadFailed}, 6},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ExitCode(tt.err), "%v", tt.err)
	}
}
