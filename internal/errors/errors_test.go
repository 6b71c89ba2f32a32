package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

func TestWrap_UnwrapsCause(t *testing.T) {
	cause := stderrors.New("disk full")
	err := Wrap(CodePersistence, "insert region", cause)
	if !stderrors.Is(err, cause) {
		t.Fatalf("expected cause in chain")
	}
	if got := err.Error(); got != "insert region: disk full" {
		t.Fatalf("Error()=%q", got)
	}
}

func TestIsCode_MatchesThroughFmtWrap(t *testing.T) {
	base := New(CodeValidation, "player id must not be empty")
	wrapped := fmt.Errorf("handle move: %w", base)
	if !IsCode(wrapped, CodeValidation) {
		t.Fatalf("expected validation code through fmt wrap")
	}
	if IsCode(wrapped, CodePersistence) {
		t.Fatalf("unexpected persistence match")
	}
	if got := CodeOf(wrapped); got != CodeValidation {
		t.Fatalf("CodeOf=%s want=%s", got, CodeValidation)
	}
}

func TestCodeOf_PlainErrors(t *testing.T) {
	if got := CodeOf(nil); got != "" {
		t.Fatalf("CodeOf(nil)=%q", got)
	}
	if got := CodeOf(stderrors.New("x")); got != CodeUnknown {
		t.Fatalf("CodeOf(plain)=%s want=%s", got, CodeUnknown)
	}
}

func TestCode_Recoverable(t *testing.T) {
	if !CodePersistence.Recoverable() || !CodeDelivery.Recoverable() {
		t.Fatalf("persistence and delivery should be recoverable")
	}
	if CodeConfiguration.Recoverable() || CodeValidation.Recoverable() {
		t.Fatalf("configuration and validation should not be recoverable")
	}
}
