package stores

import (
	"bufio"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	se "wuyrush.io/shout/errors"
)

// MediaURLPrefix is the path under which the server hands out media kept in a LocalFileStore
const MediaURLPrefix = "/api/media/"

// LocalFileStore implements FileStore backed by local file system
type LocalFileStore struct {
	Dir string
}

func (fs *LocalFileStore) Ref(ext string) string {
	// TODO: this doesn't scale under high write traffic due to inode exhaustion; use MinioFileStore when media
	// volume grows
	return uuid.New().String() + ext
}

// path maps ref to a file under Dir, refusing refs which would escape it
func (fs *LocalFileStore) path(ref string) (string, *se.Err) {
	if ref == "" || ref != filepath.Base(ref) || strings.HasPrefix(ref, ".") {
		return "", se.NewBadInput("invalid media reference")
	}
	return filepath.Join(fs.Dir, ref), nil
}

func (fs *LocalFileStore) Save(ctx context.Context, ref string, r io.Reader, size int64) *se.Err {
	p, perr := fs.path(ref)
	if perr != nil {
		return perr
	}
	// 1. prepare file to host data
	errMsg := "error allocating file storage space"
	if err := os.MkdirAll(fs.Dir, 0o700); err != nil {
		return se.NewUpstreamUnavailable(errMsg).WithCause(err)
	}
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return se.NewUpstreamUnavailable(errMsg).WithCause(err)
	}
	defer f.Close()
	// 2. pipe data to file
	br := bufio.NewReader(r)
	if _, err := br.WriteTo(f); err != nil {
		os.Remove(p)
		if v, ok := se.As(err); ok {
			return v
		}
		return se.NewUpstreamUnavailable("error saving media data").WithCause(err)
	}
	return nil
}

func (fs *LocalFileStore) URL(ctx context.Context, ref string) (string, *se.Err) {
	if _, err := fs.path(ref); err != nil {
		return "", err
	}
	return MediaURLPrefix + ref, nil
}

func (fs *LocalFileStore) Get(ctx context.Context, ref string) (io.ReadCloser, *se.Err) {
	p, perr := fs.path(ref)
	if perr != nil {
		return nil, se.NewNotFound("media not found").WithCause(perr)
	}
	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, se.NewNotFound("media not found").WithCause(err)
		}
		return nil, se.NewUpstreamUnavailable("error retrieving media").WithCause(err)
	}
	return f, nil
}

func (fs *LocalFileStore) Delete(ctx context.Context, ref string) *se.Err {
	p, perr := fs.path(ref)
	if perr != nil {
		return perr
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return se.NewServiceFailure("error removing media").WithCause(err)
	}
	return nil
}

func (fs *LocalFileStore) Close() *se.Err {
	return nil
}
