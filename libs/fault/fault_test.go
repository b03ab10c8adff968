package fault

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKindOfUnwrapsChains(t *testing.T) {
	base := New(SchedulingConflict, "doctor busy")
	wrapped := fmt.Errorf("booking failed: %w", base)

	if KindOf(wrapped) != SchedulingConflict {
		t.Fatalf("expected SchedulingConflict, got %s", KindOf(wrapped))
	}
	if KindOf(errors.New("plain")) != Unknown {
		t.Fatalf("plain errors must map to Unknown")
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(DependencyUnavailable, "conflict check failed", cause)

	if !errors.Is(err, cause) {
		t.Fatal("wrapped cause not reachable via errors.Is")
	}
	if !Retryable(err) {
		t.Fatal("dependency failures must be retryable")
	}
	if Retryable(New(Validation, "bad duration")) {
		t.Fatal("validation errors must not be retryable")
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[Kind]int{
		NotFound:              http.StatusNotFound,
		Validation:            http.StatusBadRequest,
		PreconditionFailed:    http.StatusConflict,
		TooEarly:              http.StatusConflict,
		SchedulingConflict:    http.StatusConflict,
		DuplicateOperation:    http.StatusConflict,
		InteractionWarning:    http.StatusUnprocessableEntity,
		DependencyUnavailable: http.StatusServiceUnavailable,
	}
	for kind, want := range cases {
		if got := HTTPStatus(New(kind, "x")); got != want {
			t.Errorf("%s: got %d, want %d", kind, got, want)
		}
	}
	if HTTPStatus(errors.New("boom")) != http.StatusInternalServerError {
		t.Fatal("unknown errors must map to 500")
	}
}
