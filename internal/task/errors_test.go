package task

import (
	"errors"
	"io"
	"testing"
)

func TestRetryableClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"network error", &NetworkError{Op: "probe", Err: io.ErrClosedPipe}, true},
		{"429", &RemoteError{Status: 429}, true},
		{"500", &RemoteError{Status: 500}, true},
		{"503", &RemoteError{Status: 503}, true},
		{"404", &RemoteError{Status: 404}, false},
		{"403", &RemoteError{Status: 403}, false},
		{"disk error", &DiskError{Path: "/tmp/x", Err: io.ErrShortWrite}, false},
		{"bare read error", io.ErrUnexpectedEOF, true},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Retryable(tt.err); got != tt.want {
				t.Errorf("Retryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestErrorUnwrapping(t *testing.T) {
	base := errors.New("connection reset")
	err := error(&NetworkError{Op: "chunk fetch", Err: base})
	if !errors.Is(err, base) {
		t.Error("NetworkError does not unwrap to its cause")
	}
	derr := error(&DiskError{Path: "x", Err: base})
	if !errors.Is(derr, base) {
		t.Error("DiskError does not unwrap to its cause")
	}
}
