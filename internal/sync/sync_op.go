package sync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/openmined/syftsync/internal/provider"
)

// errPunt defers a row to a later pump without reporting a failure.
var errPunt = errors.New("retry later")

const parkPrefix = ".syftsync-park."

// mkdirs creates dir and any missing parents, returning the oid of dir.
func mkdirs(ctx context.Context, p provider.Provider, dir string) (string, error) {
	dir = provider.CleanPath(dir)
	info, err := p.InfoPath(ctx, dir)
	if err != nil {
		return "", err
	}
	if info != nil {
		if !info.IsDir() {
			return "", fmt.Errorf("mkdirs %s: %w", dir, provider.ErrExists)
		}
		return info.OID, nil
	}
	if dir == "/" {
		return "", fmt.Errorf("mkdirs: root: %w", provider.ErrNotFound)
	}
	if _, err := mkdirs(ctx, p, provider.ParentPath(dir)); err != nil {
		return "", err
	}
	return p.Mkdir(ctx, dir)
}

func download(ctx context.Context, p provider.Provider, oid string) ([]byte, error) {
	var buf bytes.Buffer
	if err := p.Download(ctx, oid, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// parkPath is a temporary sibling name for target, unique per row.
func parkPath(target string, id uint64) string {
	return provider.JoinPath(provider.ParentPath(target), parkPrefix+strconv.FormatUint(id, 10)+"."+path.Base(target))
}

func isParked(p string) bool {
	return strings.HasPrefix(path.Base(p), parkPrefix)
}

func live(e *SyncEntry) bool {
	return e != nil && e.Exists
}
