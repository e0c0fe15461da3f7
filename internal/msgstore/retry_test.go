package msgstore

import (
	"errors"
	"testing"
)

func TestIsConflictErrorMatchesKnownMessages(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("boom"), false},
		{errors.New("sqlite: SQLITE_BUSY"), true},
		{errors.New("database is locked"), true},
	}
	for _, tc := range cases {
		if got := isConflictError(tc.err); got != tc.want {
			t.Errorf("isConflictError(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestWithWriteRetryRetriesOnceOnConflict(t *testing.T) {
	attempts := 0
	err := withWriteRetry(func() error {
		attempts++
		if attempts == 1 {
			return errors.New("database is locked")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("withWriteRetry() error = %v", err)
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
}

func TestWithWriteRetryDoesNotRetryNonConflictErrors(t *testing.T) {
	attempts := 0
	wantErr := errors.New("constraint violation")
	err := withWriteRetry(func() error {
		attempts++
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1", attempts)
	}
}
