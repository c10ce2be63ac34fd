package submission

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/haasonsaas/dirsync/pkg/directory"
	"github.com/haasonsaas/dirsync/pkg/payload"
	"github.com/haasonsaas/dirsync/pkg/protocol"
	"github.com/haasonsaas/dirsync/pkg/store"
)

// recordError is a failure confined to one record. Anything else a
// handler returns is treated as a persistence failure of the batch.
type recordError struct {
	objectID string
	err      error
}

func (e *recordError) Error() string { return e.err.Error() }
func (e *recordError) Unwrap() error { return e.err }

func isRecordError(err error) (*recordError, bool) {
	var re *recordError
	ok := errors.As(err, &re)
	return re, ok
}

// recordHandler decodes one record and persists it inside tx.
type recordHandler func(ctx context.Context, tx *gorm.DB, src store.RecordSource, raw payload.Raw, encoding string) error

type validatable[T any] interface {
	*T
	Validate() error
}

func handle[T any, PT validatable[T]](save func(context.Context, *gorm.DB, store.RecordSource, T) error, id func(*T) string) recordHandler {
	return func(ctx context.Context, tx *gorm.DB, src store.RecordSource, raw payload.Raw, encoding string) error {
		var rec T
		if err := raw.Decode(encoding, &rec); err != nil {
			return &recordError{err: fmt.Errorf("decode: %w", err)}
		}
		if err := PT(&rec).Validate(); err != nil {
			return &recordError{objectID: id(&rec), err: err}
		}
		return save(ctx, tx, src, rec)
	}
}

// defaultHandlers maps every data type to its decoder and store.
func defaultHandlers() map[protocol.DataType]recordHandler {
	return map[protocol.DataType]recordHandler{
		protocol.DataTypeUsers: handle[directory.User](store.UpsertUser,
			func(u *directory.User) string { return u.ObjectID }),
		protocol.DataTypeGroups: handle[directory.Group](store.UpsertGroup,
			func(g *directory.Group) string { return g.ObjectID }),
		protocol.DataTypePolicies: handle[directory.Policy](store.UpsertPolicy,
			func(p *directory.Policy) string { return p.ObjectID }),
	}
}
