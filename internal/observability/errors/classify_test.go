package errors

import (
	"context"
	goerrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	apperrors "github.com/target/exportd/internal/errors"
)

type renderFault struct{}

func (*renderFault) Error() string { return "render fault" }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"app error code", apperrors.Transient(goerrors.New("reset"), "put artifact"), "transient"},
		{"wrapped app error", fmt.Errorf("item 2: %w", apperrors.Permanent(nil, "decode")), "permanent"},
		{"deadline", fmt.Errorf("render: %w", context.DeadlineExceeded), "deadline_exceeded"},
		{"canceled", context.Canceled, "canceled"},
		{"concrete type", fmt.Errorf("wrap: %w", &renderFault{}), "errors_renderfault"},
		{"plain", goerrors.New("boom"), "errors_errorstring"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}
