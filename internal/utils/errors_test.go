package utils

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsNotConfigured(t *testing.T) {
	if !IsNotConfigured(fmt.Errorf("wrapped: %w", NewAppError("patterns", "sink not configured", nil))) {
		t.Fatalf("expected cause-less AppError to be not configured")
	}
	if IsNotConfigured(WrapOp("connect", errors.New("refused"))) {
		t.Fatalf("AppError with a cause is not a configuration error")
	}
	if WrapOp("noop", nil) != nil {
		t.Fatalf("WrapOp(nil) must stay nil")
	}
}
