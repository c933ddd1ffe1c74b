package kmserrors

import "testing"

func TestNewAndError(t *testing.T) {
	err := New(CodeLeaseNotFound, "no such lease")
	if err.Error() != "lease.not.found: no such lease" {
		t.Fatalf("got %q", err.Error())
	}
}

func TestNewfFormats(t *testing.T) {
	err := Newf(CodeQuotaLease, "exceeded by %d", 5)
	if err.Message != "exceeded by 5" {
		t.Fatalf("got %q", err.Message)
	}
}

func TestWithRetryAfterAndDetail(t *testing.T) {
	err := New(CodeQuotaUser, "too many").WithRetryAfter(1500).WithDetail("window", "1h")
	if err.RetryAfterMs != 1500 {
		t.Fatalf("got %d, want 1500", err.RetryAfterMs)
	}
	if err.Details["window"] != "1h" {
		t.Fatalf("got %v", err.Details["window"])
	}
}

func TestAs(t *testing.T) {
	var err error = New(CodeInternal, "boom")
	kerr, ok := As(err)
	if !ok || kerr.Code != CodeInternal {
		t.Fatalf("expected to unwrap as *Error with CodeInternal, got %v ok=%v", kerr, ok)
	}

	_, ok = As(errPlain{})
	if ok {
		t.Fatal("expected a non-*Error to fail the type assertion")
	}
}

func TestInternalPreservesExistingCode(t *testing.T) {
	orig := New(CodeAADMismatch, "tampered")
	wrapped := Internal(orig)
	if wrapped.Code != CodeAADMismatch {
		t.Fatalf("Internal must preserve an existing *Error's code, got %q", wrapped.Code)
	}

	wrapped2 := Internal(errPlain{})
	if wrapped2.Code != CodeInternal {
		t.Fatalf("Internal must fall back to CodeInternal for a plain error, got %q", wrapped2.Code)
	}
}

type errPlain struct{}

func (errPlain) Error() string { return "plain error" }
