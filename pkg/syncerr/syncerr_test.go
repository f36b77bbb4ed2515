package syncerr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		category  string
		retryable bool
	}{
		{"unreachable", fmt.Errorf("send: %w", ErrUnreachable), "unreachable", true},
		{"timeout", ErrTimeout, "timeout", true},
		{"deadline", fmt.Errorf("wait reply: %w", context.DeadlineExceeded), "timeout", true},
		{"rejected", Rejected("item no longer exists"), "rejected", false},
		{"corrupt", Corrupt("frame", errors.New("bad json")), "corrupt", false},
		{"canceled", context.Canceled, "canceled", true},
		{"other", errors.New("boom"), "runtime", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Classify(tt.err)
			assert.Equal(t, tt.category, c.Category)
			assert.Equal(t, tt.retryable, c.Retryable)
			assert.Equal(t, tt.retryable, Retryable(tt.err))
		})
	}
}

func TestRejectedKeepsReason(t *testing.T) {
	err := Rejected("item no longer exists")
	assert.ErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), "item no longer exists")
}
