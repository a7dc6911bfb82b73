package errors

import (
	"context"
	goerrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	apperrors "github.com/target/dispatchd/internal/errors"
)

type relayError struct{}

func (*relayError) Error() string { return "relay" }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"deadline", fmt.Errorf("send: %w", context.DeadlineExceeded), "timeout"},
		{"canceled", context.Canceled, "canceled"},
		{"app error", apperrors.NotFound("message"), "app_not_found"},
		{"plain", goerrors.New("boom"), "errors_errorstring"},
		{"wrapped custom", fmt.Errorf("outer: %w", &relayError{}), "errors_relayerror"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}
