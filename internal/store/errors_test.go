package store

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantNotFound  bool
		wantDuplicate bool
	}{
		{name: "nil", err: nil},
		{name: "unrelated", err: errors.New("connection reset")},
		{name: "not found", err: ErrNotFound, wantNotFound: true},
		{name: "missing schedule", err: fmt.Errorf("%w: nightly", ErrScheduleNotFound), wantNotFound: true},
		{name: "duplicate", err: ErrDuplicate, wantDuplicate: true},
		{name: "schedule exists", err: fmt.Errorf("create: %w", ErrScheduleExists), wantDuplicate: true},
		{name: "invalid entity", err: ErrInvalidEntity},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.wantNotFound, IsNotFoundError(tc.err))
			assert.Equal(t, tc.wantDuplicate, IsDuplicateError(tc.err))
		})
	}
}
