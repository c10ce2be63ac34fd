// Package collector reads directory records on the agent side.
package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/haasonsaas/dirsync/pkg/directory"
	"github.com/haasonsaas/dirsync/pkg/payload"
	"github.com/haasonsaas/dirsync/pkg/protocol"
)

// ErrNotAvailable means the source has nothing to offer for a data type
// this cycle. The runtime skips the type instead of submitting an empty
// batch.
var ErrNotAvailable = errors.New("no records available")

// Collector yields finite record sequences from a directory service.
type Collector interface {
	CollectUsers(ctx context.Context) ([]directory.User, error)
	CollectGroups(ctx context.Context) ([]directory.Group, error)
	CollectPolicies(ctx context.Context) ([]directory.Policy, error)
}

// Batch is one encoded data type ready for submission.
type Batch struct {
	DataType    protocol.DataType
	RecordCount int
	Encoding    string
	Compression string
	Payload     []byte
}

// Collect runs the collector for dt and encodes the result.
func Collect(ctx context.Context, c Collector, dt protocol.DataType, encoding, compression string) (*Batch, error) {
	var (
		data  []byte
		count int
		err   error
	)
	switch dt {
	case protocol.DataTypeUsers:
		data, count, err = encode(ctx, c.CollectUsers, encoding, compression)
	case protocol.DataTypeGroups:
		data, count, err = encode(ctx, c.CollectGroups, encoding, compression)
	case protocol.DataTypePolicies:
		data, count, err = encode(ctx, c.CollectPolicies, encoding, compression)
	default:
		return nil, fmt.Errorf("unsupported data type %s", dt)
	}
	if err != nil {
		return nil, err
	}
	return &Batch{
		DataType:    dt,
		RecordCount: count,
		Encoding:    encoding,
		Compression: compression,
		Payload:     data,
	}, nil
}

func encode[T any](ctx context.Context, collect func(context.Context) ([]T, error), encoding, compression string) ([]byte, int, error) {
	records, err := collect(ctx)
	if err != nil {
		return nil, 0, err
	}
	data, err := payload.Encode(records, encoding, compression)
	if err != nil {
		return nil, 0, err
	}
	return data, len(records), nil
}

// FileCollector reads JSON arrays exported by a directory tool into Dir:
// users.json, groups.json and policies.json. A missing file yields
// ErrNotAvailable.
type FileCollector struct {
	Dir string
}

func NewFileCollector(dir string) *FileCollector {
	return &FileCollector{Dir: dir}
}

func (f *FileCollector) CollectUsers(ctx context.Context) ([]directory.User, error) {
	return readExport[directory.User](ctx, filepath.Join(f.Dir, "users.json"))
}

func (f *FileCollector) CollectGroups(ctx context.Context) ([]directory.Group, error) {
	return readExport[directory.Group](ctx, filepath.Join(f.Dir, "groups.json"))
}

func (f *FileCollector) CollectPolicies(ctx context.Context) ([]directory.Policy, error) {
	return readExport[directory.Policy](ctx, filepath.Join(f.Dir, "policies.json"))
}

func readExport[T any](ctx context.Context, path string) ([]T, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotAvailable
		}
		return nil, err
	}
	var records []T
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return records, nil
}

// Static serves fixed records.
type Static struct {
	Users    []directory.User
	Groups   []directory.Group
	Policies []directory.Policy
}

func (s *Static) CollectUsers(context.Context) ([]directory.User, error) {
	return s.Users, nil
}

func (s *Static) CollectGroups(context.Context) ([]directory.Group, error) {
	return s.Groups, nil
}

func (s *Static) CollectPolicies(context.Context) ([]directory.Policy, error) {
	return s.Policies, nil
}
