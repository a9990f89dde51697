// Package provider defines the storage backend contract consumed by the sync
// engine. A backend exposes CRUD, listing and identity operations plus a
// resumable stream of change events.
package provider

import (
	"context"
	"io"
	"time"
)

type ObjectType string

const (
	TypeFile      ObjectType = "file"
	TypeDirectory ObjectType = "dir"
)

// ObjectInfo describes an object currently present on a provider.
type ObjectInfo struct {
	OID   string     `json:"oid"`
	Path  string     `json:"path"`
	Hash  string     `json:"hash,omitempty"`
	Type  ObjectType `json:"type"`
	Size  int64      `json:"size"`
	MTime time.Time  `json:"mtime"`
}

func (i *ObjectInfo) IsDir() bool {
	return i.Type == TypeDirectory
}

// Event reports the state of one object after a change.
// Path may be empty when the provider only knows the object id.
type Event struct {
	OID    string     `json:"oid"`
	Path   string     `json:"path,omitempty"`
	Hash   string     `json:"hash,omitempty"`
	Type   ObjectType `json:"type"`
	Exists bool       `json:"exists"`
	Size   int64      `json:"size"`
	MTime  time.Time  `json:"mtime"`
}

// EventBatch is one page of events and the cursor to resume after it.
type EventBatch struct {
	Events []*Event
	Cursor string
}

// Provider is a storage backend that can be kept in sync with another one.
//
// Info lookups return nil, nil when nothing exists. Failures that the engine
// must tell apart are reported by wrapping ErrNotFound, ErrExists or
// ErrDisconnected.
type Provider interface {
	Name() string
	Connected() bool
	CaseSensitive() bool
	OIDIsPath() bool

	// LatestCursor returns a cursor positioned after every event emitted so far.
	LatestCursor(ctx context.Context) (string, error)
	// Events returns the events currently available after cursor. An empty
	// batch means nothing is pending right now.
	Events(ctx context.Context, cursor string) (*EventBatch, error)

	Mkdir(ctx context.Context, path string) (string, error)
	Create(ctx context.Context, path string, r io.Reader) (*ObjectInfo, error)
	Upload(ctx context.Context, oid string, r io.Reader) (*ObjectInfo, error)
	Delete(ctx context.Context, oid string) error
	Rename(ctx context.Context, oid string, newPath string) (string, error)
	InfoPath(ctx context.Context, path string) (*ObjectInfo, error)
	InfoOID(ctx context.Context, oid string) (*ObjectInfo, error)
	Listdir(ctx context.Context, oid string) ([]*ObjectInfo, error)
	Download(ctx context.Context, oid string, w io.Writer) error
}

// EventFromInfo converts a listing entry into an existence event.
func EventFromInfo(info *ObjectInfo) *Event {
	return &Event{
		OID:    info.OID,
		Path:   info.Path,
		Hash:   info.Hash,
		Type:   info.Type,
		Exists: true,
		Size:   info.Size,
		MTime:  info.MTime,
	}
}
