package contracts

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Disposition
	}{
		{"success", nil, Ack},
		{"malformed", fmt.Errorf("decode body: %w", ErrMalformedMessage), Drop},
		{"constraint violation", fmt.Errorf("insert O1: %w", ErrConstraintViolation), DeadLetter},
		{"invalid order data", fmt.Errorf("insert O1: %w", ErrInvalidOrderData), DeadLetter},
		{"bare permanent failure", ErrPermanentFailure, DeadLetter},
		{"store unavailable", fmt.Errorf("%w: connection refused", ErrStoreUnavailable), Requeue},
		{"publish failure", errors.Join(ErrPublishFailure, context.DeadlineExceeded), Requeue},
		{"unknown", errors.New("boom"), Requeue},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestDispositionString(t *testing.T) {
	assert.Equal(t, "acked", Ack.String())
	assert.Equal(t, "dropped", Drop.String())
	assert.Equal(t, "dead_lettered", DeadLetter.String())
	assert.Equal(t, "requeued", Requeue.String())
	assert.Equal(t, "disposition(9)", Disposition(9).String())
}
