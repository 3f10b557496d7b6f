// Package registry maintains the authorized-users table loaded from a
// CSV file. The table is an immutable snapshot swapped atomically on
// reload, so concurrent readers never observe a partially-loaded table.
package registry

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"

	"github.com/keyrelay/keyrelay/internal/model"
)

// ErrMalformedSource indicates the users file is missing, unreadable,
// or does not match the expected telegram_username,email format.
var ErrMalformedSource = errors.New("malformed users file")

// expected header columns, in order.
var header = []string{"telegram_username", "email"}

// Registry holds the current authorized-users snapshot.
type Registry struct {
	path     string
	logger   *slog.Logger
	snapshot atomic.Pointer[map[string]model.AuthorizedUser]
}

// New creates a Registry for the given CSV path. No file access happens
// until Load is called.
func New(path string, logger *slog.Logger) *Registry {
	return &Registry{
		path:   path,
		logger: logger.With("component", "registry"),
	}
}

// Load reads the users file and replaces the current snapshot.
// Duplicate handles are resolved last-row-wins: the file is an access
// list, not an audit log. Rows with an empty handle or email are
// skipped. On error the previous snapshot (if any) stays active.
func (r *Registry) Load() error {
	users, err := parseFile(r.path)
	if err != nil {
		return err
	}

	r.snapshot.Store(&users)
	r.logger.Info("users loaded", "path", r.path, "count", len(users))
	return nil
}

// Reload re-reads the users file. It is an alias for Load kept for
// call-site clarity; the fail-safe semantics are identical.
func (r *Registry) Reload() error {
	return r.Load()
}

// IsAuthorized reports whether the handle is present in the current
// table. Matching is exact and case-sensitive; a leading "@" in the
// file is part of the key.
func (r *Registry) IsAuthorized(handle string) bool {
	_, ok := r.lookup(handle)
	return ok
}

// Email returns the email registered for the handle.
func (r *Registry) Email(handle string) (string, bool) {
	u, ok := r.lookup(handle)
	return u.Email, ok
}

// Size returns the number of authorized users in the current table.
func (r *Registry) Size() int {
	if users := r.snapshot.Load(); users != nil {
		return len(*users)
	}
	return 0
}

// Ready reports whether a usable table has been loaded. Used by the
// readiness probe.
func (r *Registry) Ready() error {
	if r.snapshot.Load() == nil {
		return errors.New("users table not loaded")
	}
	return nil
}

func (r *Registry) lookup(handle string) (model.AuthorizedUser, bool) {
	users := r.snapshot.Load()
	if users == nil {
		return model.AuthorizedUser{}, false
	}
	u, ok := (*users)[handle]
	return u, ok
}

// parseFile reads and validates the CSV source, building a fresh table.
func parseFile(path string) (map[string]model.AuthorizedUser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSource, err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = len(header)

	first, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: missing header: %v", ErrMalformedSource, err)
	}
	for i, want := range header {
		if strings.TrimSpace(first[i]) != want {
			return nil, fmt.Errorf("%w: expected header %q, got %q",
				ErrMalformedSource, strings.Join(header, ","), strings.Join(first, ","))
		}
	}

	users := make(map[string]model.AuthorizedUser)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedSource, err)
		}

		handle := strings.TrimSpace(record[0])
		email := strings.TrimSpace(record[1])
		if handle == "" || email == "" {
			continue
		}

		users[handle] = model.AuthorizedUser{Handle: handle, Email: email}
	}

	return users, nil
}
