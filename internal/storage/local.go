package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
)

// localClient implements Client for file:// URLs. Disabled unless
// Options.AllowLocalFilesystem is set, per spec §4.3's "mitigates
// server-side file disclosure" policy.
type localClient struct {
	path string // filesystem path decoded from the file:// URL
}

// NewLocal constructs the Local storage variant for rawURL. Returns a
// FailureAccessDenied error unless allowed is true.
func NewLocal(rawURL string, allowed bool) (Client, error) {
	if !allowed {
		return nil, newError(FailureAccessDenied, "storage: local filesystem storage is disabled")
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme != "file" {
		return nil, newError(FailureNotFound, fmt.Sprintf("storage: not a file:// URL: %q", rawURL))
	}
	return &localClient{path: u.Path}, nil
}

func (c *localClient) GetFileInfo(ctx context.Context) (FileInfo, error) {
	fi, err := os.Stat(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return FileInfo{}, newError(FailureNotFound, fmt.Sprintf("storage: %s: not found", c.path))
		}
		return FileInfo{}, newError(FailureAccessDenied, fmt.Sprintf("storage: %s: %v", c.path, err))
	}
	return FileInfo{
		Filename:     filepath.Base(c.path), // last path segment, never a query parameter
		LastModified: fi.ModTime(),
		Size:         fi.Size(),
	}, nil
}

// LoadToLocal stages the document into the jail by hard-linking it in
// first (cheap, same filesystem) and falling back to a byte copy if the
// hard link fails (e.g. cross-device, read-only source).
func (c *localClient) LoadToLocal(ctx context.Context, jailDir string) (string, error) {
	dest := filepath.Join(jailDir, filepath.Base(c.path))
	if err := os.MkdirAll(jailDir, 0o755); err != nil {
		return "", newError(FailureTransient, fmt.Sprintf("storage: create jail dir: %v", err))
	}
	if err := os.Link(c.path, dest); err == nil {
		return dest, nil
	}
	if err := copyFile(c.path, dest); err != nil {
		return "", newError(FailureTransient, fmt.Sprintf("storage: copy into jail: %v", err))
	}
	return dest, nil
}

// SaveFromLocal copies the edited payload back over the original path if it
// was reached via copy; for the common hard-link case the jail file and the
// origin are already the same inode and no copy is necessary, but we always
// copy here because the worker may have rewritten the jail path in place
// after a save-as, and a copy is always correct regardless of how the file
// got into the jail.
func (c *localClient) SaveFromLocal(ctx context.Context, localPath string) error {
	if err := copyFile(localPath, c.path); err != nil {
		return newError(FailureTransient, fmt.Sprintf("storage: save to %s: %v", c.path, err))
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".tmp-save"
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}
