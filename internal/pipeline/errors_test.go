package pipeline

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorMatching(t *testing.T) {
	cause := errors.New("window closed")
	err := fmt.Errorf("session: %w", NewError(ErrCodeCaptureSourceFailure, "screen capture exited", cause))

	if !errors.Is(err, ErrCaptureSourceFailure) {
		t.Error("expected match on code")
	}
	if errors.Is(err, ErrSinkNotReady) {
		t.Error("unexpected match on other code")
	}
	if !errors.Is(err, cause) {
		t.Error("cause not reachable through Unwrap")
	}
	if !Fatal(err) {
		t.Error("capture source failure must be fatal")
	}
	if Fatal(NewError(ErrCodeStreamingConnectFailure, "refused", nil)) {
		t.Error("connect failure must not be fatal")
	}

	var pe *Error
	if !errors.As(err, &pe) || pe.Code != ErrCodeCaptureSourceFailure {
		t.Errorf("errors.As failed: %v", pe)
	}
	want := "CAPTURE_SOURCE_FAILURE: screen capture exited: window closed"
	if pe.Error() != want {
		t.Errorf("Error() = %q, want %q", pe.Error(), want)
	}
}
