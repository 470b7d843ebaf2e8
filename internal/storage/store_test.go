package storage

import (
	"context"
	"strings"
	"testing"
	"time"
)

// fakeStore satisfies Store with no behavior; the registry tests only care
// about factory selection.
type fakeStore struct{}

func (fakeStore) Close()                                                  {}
func (fakeStore) ExecDDL(context.Context, []string) error                 { return nil }
func (fakeStore) EnsureUniqueIndex(context.Context, string, string) error { return nil }
func (fakeStore) Insert(context.Context, string, []string, []any) error   { return nil }
func (fakeStore) InsertReturningID(context.Context, string, string, []string, []any) (int64, error) {
	return 0, nil
}
func (fakeStore) UpsertIgnore(context.Context, string, []string, []any, string) error { return nil }
func (fakeStore) UpsertLookup(context.Context, string, string, string, any, []string, []any) (int64, error) {
	return 0, nil
}
func (fakeStore) Exists(context.Context, string, string, any) (bool, error) { return false, nil }
func (fakeStore) RecordException(context.Context, string, string, any, time.Time) error {
	return nil
}
func (fakeStore) CountRows(context.Context, string) (int64, error) { return 0, nil }
func (fakeStore) TopExceptions(context.Context, string, string, int) ([]ExceptionTally, error) {
	return nil, nil
}

func TestOpen_SelectsRegisteredFactory(t *testing.T) {
	calls := 0
	Register("test-driver", func(ctx context.Context, cfg Config) (Store, error) {
		calls++
		if cfg.DSN != "dsn-under-test" {
			t.Fatalf("factory got DSN=%q, want dsn-under-test", cfg.DSN)
		}
		return fakeStore{}, nil
	})

	st, err := Open(context.Background(), Config{Driver: "test-driver", DSN: "dsn-under-test"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if st == nil {
		t.Fatalf("Open returned nil store")
	}
	if calls != 1 {
		t.Fatalf("factory called %d times, want 1", calls)
	}
}

func TestOpen_RejectsEmptyAndUnknownDrivers(t *testing.T) {
	if _, err := Open(context.Background(), Config{}); err == nil {
		t.Fatalf("expected error for empty driver")
	}

	_, err := Open(context.Background(), Config{Driver: "no-such-backend"})
	if err == nil {
		t.Fatalf("expected error for unknown driver")
	}
	if !strings.Contains(err.Error(), "no-such-backend") {
		t.Fatalf("error %q does not name the driver", err)
	}
}

func TestRegister_DuplicatePanics(t *testing.T) {
	Register("dup-driver", func(ctx context.Context, cfg Config) (Store, error) {
		return fakeStore{}, nil
	})

	defer func() {
		if recover() == nil {
			t.Fatalf("duplicate Register did not panic")
		}
	}()
	Register("dup-driver", func(ctx context.Context, cfg Config) (Store, error) {
		return fakeStore{}, nil
	})
}

func TestRegister_RejectsBadArguments(t *testing.T) {
	t.Run("empty_driver", func(t *testing.T) {
		defer func() {
			if recover() == nil {
				t.Fatalf("empty driver did not panic")
			}
		}()
		Register("", func(ctx context.Context, cfg Config) (Store, error) {
			return fakeStore{}, nil
		})
	})

	t.Run("nil_factory", func(t *testing.T) {
		defer func() {
			if recover() == nil {
				t.Fatalf("nil factory did not panic")
			}
		}()
		Register("nil-factory-driver", nil)
	})
}
