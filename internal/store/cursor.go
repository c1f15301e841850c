package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/parleyhq/parley/internal/domain"
)

// Cursor is a keyset pagination position: the (updated_at, id) pair of the
// last row of the previous page.
type Cursor struct {
	UpdatedAt time.Time
	ID        string
}

// EncodeCursor serializes a cursor to its opaque wire form. Callers must not
// construct the string by hand.
func EncodeCursor(c Cursor) string {
	return c.UpdatedAt.UTC().Format(time.RFC3339Nano) + "|" + c.ID
}

// DecodeCursor parses the wire form, failing closed on anything malformed.
func DecodeCursor(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	sep := strings.LastIndex(s, "|")
	if sep <= 0 || sep == len(s)-1 {
		return nil, fmt.Errorf("%w: malformed cursor", domain.ErrBadRequest)
	}
	ts, err := time.Parse(time.RFC3339Nano, s[:sep])
	if err != nil {
		return nil, fmt.Errorf("%w: malformed cursor timestamp", domain.ErrBadRequest)
	}
	return &Cursor{UpdatedAt: ts, ID: s[sep+1:]}, nil
}
