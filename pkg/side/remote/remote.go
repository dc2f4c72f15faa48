// Package remote implements the remote cloud Side capability and the
// ChangeSource consumed by pkg/remotewatch, against the personal-cloud
// HTTP API: stat by path, create file (raw stream with Content-MD5),
// create directory, rename, trash, restore, and a long-poll
// `changes?since=<seq>` feed.
package remote

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/pkg/errors"

	"github.com/cozy-labs/synccore/pkg/catalog"
	"github.com/cozy-labs/synccore/pkg/side"
)

// Remote is the HTTP-backed remote Side: a thin REST client over the
// small operation set the personal-cloud API exposes.
type Remote struct {
	BaseURL    *url.URL
	HTTPClient *http.Client
	Token      string // bearer OAuth2 access token
}

// New constructs a Remote side against baseURL, using token for bearer
// authentication.
func New(baseURL, token string) (*Remote, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.Wrap(err, "remote: parsing base URL")
	}
	return &Remote{
		BaseURL:    u,
		HTTPClient: &http.Client{Timeout: 60 * time.Second},
		Token:      token,
	}, nil
}

func (r *Remote) endpoint(elem ...string) string {
	u := *r.BaseURL
	u.Path = path.Join(u.Path, path.Join(elem...))
	return u.String()
}

func (r *Remote) do(ctx context.Context, method, url string, body io.Reader, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, errors.Wrap(err, "remote: building request")
	}
	req.Header.Set("Authorization", "Bearer "+r.Token)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := r.HTTPClient.Do(req)
	if err != nil {
		return nil, &side.HTTPError{StatusCode: 0, Err: err}
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &side.HTTPError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("remote: %s %s: status %d: %s", method, url, resp.StatusCode, msg),
		}
	}
	return resp, nil
}

// Which implements side.Side.
func (r *Remote) Which() catalog.Side { return catalog.SideRemote }

type statResponse struct {
	ID         string `json:"id"`
	Rev        string `json:"rev"`
	Type       string `json:"type"`
	Size       int64  `json:"size"`
	MD5Sum     string `json:"md5sum"`
	Executable bool   `json:"executable"`
	UpdatedAt  string `json:"updated_at"`
}

// Stat implements side.Side.
func (r *Remote) Stat(ctx context.Context, p string) (side.Info, error) {
	resp, err := r.do(ctx, http.MethodGet, r.endpoint("files", "stat", p), nil, nil)
	if err != nil {
		var httpErr *side.HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
			return side.Info{}, side.ErrNotExist
		}
		return side.Info{}, err
	}
	defer resp.Body.Close()

	var out statResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return side.Info{}, errors.Wrap(err, "remote: decoding stat response")
	}

	modTime, _ := time.Parse(time.RFC3339, out.UpdatedAt)
	return side.Info{
		IsDir:      out.Type == "directory",
		Size:       out.Size,
		ModTime:    modTime,
		RemoteID:   out.ID,
		RemoteRev:  out.Rev,
		Executable: out.Executable,
		MD5Sum:     out.MD5Sum,
	}, nil
}

// ReadFile implements side.Side.
func (r *Remote) ReadFile(ctx context.Context, p string) (io.ReadCloser, error) {
	resp, err := r.do(ctx, http.MethodGet, r.endpoint("files", "download", p), nil, nil)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// WriteFile implements side.Side, uploading content as a raw stream
// with a Content-MD5 header so the server can verify integrity before
// acknowledging.
func (r *Remote) WriteFile(ctx context.Context, p string, content io.Reader, executable bool) (side.Info, error) {
	buf, err := io.ReadAll(content)
	if err != nil {
		return side.Info{}, errors.Wrap(err, "remote: buffering upload content")
	}

	sum := md5.Sum(buf)
	headers := map[string]string{
		"Content-Type": "application/octet-stream",
		"Content-MD5":  base64.StdEncoding.EncodeToString(sum[:]),
	}
	if executable {
		headers["X-Executable"] = "true"
	}

	resp, err := r.do(ctx, http.MethodPut, r.endpoint("files", p), bytes.NewReader(buf), headers)
	if err != nil {
		return side.Info{}, err
	}
	defer resp.Body.Close()

	var out statResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return side.Info{}, errors.Wrap(err, "remote: decoding upload response")
	}
	return side.Info{
		Size: out.Size, RemoteID: out.ID, RemoteRev: out.Rev,
		Executable: executable, MD5Sum: out.MD5Sum,
	}, nil
}

// MkdirAll implements side.Side.
func (r *Remote) MkdirAll(ctx context.Context, p string) (side.Info, error) {
	resp, err := r.do(ctx, http.MethodPost, r.endpoint("directories", p), nil, nil)
	if err != nil {
		return side.Info{}, err
	}
	defer resp.Body.Close()

	var out statResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return side.Info{}, errors.Wrap(err, "remote: decoding mkdir response")
	}
	return side.Info{IsDir: true, RemoteID: out.ID, RemoteRev: out.Rev}, nil
}

// Rename implements side.Side.
func (r *Remote) Rename(ctx context.Context, oldPath, newPath string) error {
	body, _ := json.Marshal(map[string]string{"to": newPath})
	resp, err := r.do(ctx, http.MethodPost, r.endpoint("files", "rename", oldPath), bytes.NewReader(body),
		map[string]string{"Content-Type": "application/json"})
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Trash implements side.Side: the remote trash is the directory whose
// id is `.cozy_trash`; trashing is a server-side move into it.
func (r *Remote) Trash(ctx context.Context, p string) error {
	resp, err := r.do(ctx, http.MethodPost, r.endpoint("files", "trash", p), nil, nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Restore implements side.Side.
func (r *Remote) Restore(ctx context.Context, p string) error {
	resp, err := r.do(ctx, http.MethodPost, r.endpoint("files", "restore", p), nil, nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Remove implements side.Side: a permanent delete, used by the Executor
// as the copy+delete fallback for Rename.
func (r *Remote) Remove(ctx context.Context, p string) error {
	resp, err := r.do(ctx, http.MethodDelete, r.endpoint("files", p), nil, nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// DiskUsage reports the remote's storage consumption and quota in
// bytes. A quota of zero means the instance is unlimited.
func (r *Remote) DiskUsage(ctx context.Context) (used, quota int64, err error) {
	resp, err := r.do(ctx, http.MethodGet, r.endpoint("disk-usage"), nil, nil)
	if err != nil {
		return 0, 0, err
	}
	defer resp.Body.Close()

	var out struct {
		Used  int64 `json:"used"`
		Quota int64 `json:"quota"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, 0, errors.Wrap(err, "remote: decoding disk usage response")
	}
	return out.Used, out.Quota, nil
}

type changesResponse struct {
	Changes []struct {
		ID       string `json:"id"`
		Path     string `json:"path"`
		Rev      string `json:"rev"`
		Type     string `json:"type"`
		MD5Sum   string `json:"md5sum"`
		Size     int64  `json:"size"`
		Deleted  bool   `json:"deleted"`
		Restored bool   `json:"restored"`
	} `json:"changes"`
	LastSeq uint64 `json:"last_seq"`
}

// ListChanges implements side.ChangeSource by polling `changes?since=seq`.
// The cursor is only ever advanced by the caller (pkg/remotewatch) once
// the batch has been durably merged.
func (r *Remote) ListChanges(ctx context.Context, since uint64) (side.ChangeBatch, error) {
	endpoint := r.endpoint("changes")
	u, _ := url.Parse(endpoint)
	q := u.Query()
	q.Set("since", fmt.Sprintf("%d", since))
	u.RawQuery = q.Encode()

	resp, err := r.do(ctx, http.MethodGet, u.String(), nil, nil)
	if err != nil {
		return side.ChangeBatch{}, err
	}
	defer resp.Body.Close()

	var out changesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return side.ChangeBatch{}, errors.Wrap(err, "remote: decoding changes response")
	}

	batch := side.ChangeBatch{LastSeq: out.LastSeq}
	for _, c := range out.Changes {
		batch.Changes = append(batch.Changes, side.RemoteChange{
			RemoteID: c.ID, Path: c.Path, Rev: c.Rev,
			IsDir: c.Type == "directory", MD5Sum: c.MD5Sum, Size: c.Size,
			Deleted: c.Deleted, Restored: c.Restored,
		})
	}
	return batch, nil
}

var (
	_ side.Side         = (*Remote)(nil)
	_ side.ChangeSource = (*Remote)(nil)
)
