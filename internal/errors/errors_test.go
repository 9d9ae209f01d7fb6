package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *AppError
		want string
	}{
		{
			name: "error without cause",
			err:  NotFound("export job not found"),
			want: "export job not found",
		},
		{
			name: "error with cause",
			err:  Transient(errors.New("connection reset"), "upload artifact"),
			want: "upload artifact: connection reset",
		},
		{
			name: "plain message is not a format string",
			err:  Validation("quality must be 1-100%, got 250%"),
			want: "quality must be 1-100%, got 250%",
		},
		{
			name: "formatted",
			err:  Conflictf("job %s is %s", "j1", "completed"),
			want: "job j1 is completed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("AppError.Error() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAppError_UnwrapAndPredicates(t *testing.T) {
	root := errors.New("disk full")
	err := fmt.Errorf("render item 2: %w", Permanent(root, "decode source"))

	if !IsPermanent(err) {
		t.Fatalf("expected permanent, got %q", GetCode(err))
	}
	if IsTransient(err) {
		t.Fatal("permanent error must not be transient")
	}
	if !errors.Is(err, root) {
		t.Fatal("expected cause to be reachable through errors.Is")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "transient", err: Transient(errors.New("x"), "io"), want: true},
		{name: "timeout", err: Timeout(context.DeadlineExceeded, "render"), want: true},
		{name: "raw deadline", err: context.DeadlineExceeded, want: true},
		{name: "unclassified", err: errors.New("socket closed"), want: true},
		{name: "permanent", err: Permanent(errors.New("x"), "bad input"), want: false},
		{name: "validation", err: Validation("bad"), want: false},
		{name: "expired", err: Expiredf("gone"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValidationField(t *testing.T) {
	err := ValidationField("item_refs", "at least one item is required")
	if !IsValidation(err) {
		t.Fatal("expected validation error")
	}
	if GetField(err) != "item_refs" {
		t.Errorf("GetField() = %q", GetField(err))
	}
	if GetField(errors.New("plain")) != "" {
		t.Error("plain errors have no field")
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(nil, ErrCodeInternal, "x") != nil {
		t.Error("Wrap(nil) should be nil")
	}
	if Wrapf(nil, ErrCodeInternal, "x %d", 1) != nil {
		t.Error("Wrapf(nil) should be nil")
	}
}
