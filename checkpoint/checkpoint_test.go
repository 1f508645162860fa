package checkpoint

import (
	"errors"
	"io"
	"strings"
	"testing"
)

var (
	errLow  = errors.New("low level error")
	errHigh = errors.New("high level error")
)

func TestFrom(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantNil bool
		wantRaw bool
	}{
		{name: "nil stays nil", err: nil, wantNil: true},
		{name: "io.EOF is not wrapped", err: io.EOF, wantRaw: true},
		{name: "io.ErrUnexpectedEOF is not wrapped", err: io.ErrUnexpectedEOF, wantRaw: true},
		{name: "any other error is wrapped", err: errLow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := From(tt.err)
			if tt.wantNil {
				if got != nil {
					t.Errorf("From() = %v, want nil", got)
				}
				return
			}
			if tt.wantRaw {
				if got != tt.err {
					t.Errorf("From() = %v, want the unwrapped error %v", got, tt.err)
				}
				return
			}
			if got == tt.err {
				t.Errorf("From() did not wrap the error")
			}
			if !errors.Is(got, tt.err) {
				t.Errorf("From() = %v, errors.Is does not match %v", got, tt.err)
			}
		})
	}
}

func TestWrap(t *testing.T) {
	if got := Wrap(nil, errHigh); got != nil {
		t.Errorf("Wrap(nil, ...) = %v, want nil", got)
	}
	if got := Wrap(io.EOF, errHigh); got != io.EOF {
		t.Errorf("Wrap(io.EOF, ...) = %v, want io.EOF", got)
	}

	err := Wrap(errLow, errHigh)
	if !errors.Is(err, errHigh) {
		t.Errorf("Wrap() does not match the describing error")
	}
	if !errors.Is(err, errLow) {
		t.Errorf("Wrap() does not match the wrapped error")
	}
	if !strings.Contains(err.Error(), "checkpoint_test.go") {
		t.Errorf("Wrap() error = %q, want it to contain the caller file", err.Error())
	}
}

type codeErr int

func (c codeErr) Error() string { return "code" }

func TestAs(t *testing.T) {
	err := Wrap(From(errLow), codeErr(7))

	var c codeErr
	if !errors.As(err, &c) {
		t.Fatalf("errors.As did not find the describing error")
	}
	if c != 7 {
		t.Errorf("errors.As() = %v, want 7", c)
	}
}

func TestTrace(t *testing.T) {
	err := Wrap(From(errLow), errHigh)

	trace := Trace(err)
	if len(trace) != 2 {
		t.Fatalf("Trace() = %v, want 2 locations", trace)
	}
	for _, loc := range trace {
		if !strings.HasPrefix(loc, "checkpoint_test.go:") {
			t.Errorf("Trace() location = %q, want it in checkpoint_test.go", loc)
		}
	}

	if got := Trace(errLow); len(got) != 0 {
		t.Errorf("Trace() of a plain error = %v, want none", got)
	}
}
