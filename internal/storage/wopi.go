package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
)

// wopiClient implements Client for remote-hosting document URLs (the
// "hosting API" of spec §1), using GET to fetch and POST with
// X-WOPI-Override: PUT to save, per spec §4.3.
type wopiClient struct {
	docURL      string
	credentials string // opaque token appended as access_token, per spec §1 ("opaque tokens")
	httpClient  *http.Client
}

// NewWopiRemote constructs the remote-hosting storage variant.
func NewWopiRemote(docURL, credentials string, opts Options) Client {
	opts = opts.withDefaults()
	return &wopiClient{
		docURL:      docURL,
		credentials: credentials,
		httpClient: &http.Client{
			Timeout: opts.HTTPTimeout,
			// One redirect chase at the transport level, per spec §7's
			// retry policy; application-level failures are not retried.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 2 {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
	}
}

func (c *wopiClient) authedURL() string {
	u, err := url.Parse(c.docURL)
	if err != nil {
		return c.docURL
	}
	if c.credentials != "" {
		q := u.Query()
		q.Set("access_token", c.credentials)
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func (c *wopiClient) GetFileInfo(ctx context.Context) (FileInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.authedURL(), nil)
	if err != nil {
		return FileInfo{}, newError(FailureTransient, err.Error())
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return FileInfo{}, newError(FailureTransient, fmt.Sprintf("storage: GetFileInfo: %v", err))
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return FileInfo{}, newError(FailureNotFound, "storage: document not found")
	case http.StatusForbidden, http.StatusUnauthorized:
		return FileInfo{}, newError(FailureAccessDenied, "storage: access denied")
	default:
		return FileInfo{}, newError(FailureTransient, fmt.Sprintf("storage: unexpected status %d", resp.StatusCode))
	}

	size, _ := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64)
	return FileInfo{
		Filename: filenameFromURL(c.docURL),
		// Remote last-modified is not trusted per spec §4.3; callers use
		// the tile cache's stored value as-is rather than this field.
		Size: size,
	}, nil
}

func filenameFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return path.Base(rawURL)
	}
	return path.Base(u.Path)
}

func (c *wopiClient) LoadToLocal(ctx context.Context, jailDir string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.authedURL(), nil)
	if err != nil {
		return "", newError(FailureTransient, err.Error())
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", newError(FailureTransient, fmt.Sprintf("storage: fetch: %v", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		if resp.StatusCode == http.StatusNotFound {
			return "", newError(FailureNotFound, "storage: document not found")
		}
		return "", newError(FailureAccessDenied, fmt.Sprintf("storage: fetch status %d", resp.StatusCode))
	}

	if err := os.MkdirAll(jailDir, 0o755); err != nil {
		return "", newError(FailureTransient, fmt.Sprintf("storage: create jail dir: %v", err))
	}
	dest := filepath.Join(jailDir, filenameFromURL(c.docURL))
	f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return "", newError(FailureTransient, err.Error())
	}
	defer f.Close()
	if _, err := io.Copy(f, resp.Body); err != nil {
		return "", newError(FailureTransient, fmt.Sprintf("storage: write staged file: %v", err))
	}
	return dest, nil
}

func (c *wopiClient) SaveFromLocal(ctx context.Context, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return newError(FailureTransient, err.Error())
	}
	defer f.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.authedURL(), f)
	if err != nil {
		return newError(FailureTransient, err.Error())
	}
	req.Header.Set("X-WOPI-Override", "PUT")
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return newError(FailureTransient, fmt.Sprintf("storage: save: %v", err))
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode/100 != 2 {
		return newError(FailureTransient, fmt.Sprintf("storage: save status %d", resp.StatusCode))
	}
	return nil
}
