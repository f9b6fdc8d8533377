package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"plotLines/backend/internal/document"
)

// 服务端返回的非 2xx 响应
type statusError struct {
	Code int
	Body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Code, strings.TrimSpace(e.Body))
}

type stepsPage struct {
	Steps      []json.RawMessage `json:"steps"`
	OTVersions []uint64          `json:"ot_versions"`
	UserIDs    []string          `json:"userIDs"`
}

type snapshotPayload struct {
	Content         json.RawMessage `json:"content"`
	SnapshotVersion uint64          `json:"snapshot_version"`
	OTVersion       uint64          `json:"ot_version"`
}

type documentPayload struct {
	ID        string           `json:"id"`
	Title     string           `json:"title"`
	OwnerID   uint64           `json:"ownerId"`
	OTVersion uint64           `json:"ot_version"`
	Snapshot  *snapshotPayload `json:"snapshot"`
}

// restClient 只负责 REST 调用，不持有协作状态
type restClient struct {
	base  string
	token string
	http  *http.Client
}

func (r *restClient) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.base+path, rd)
	if err != nil {
		return err
	}
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusGone {
		return ErrHistoryTooOld
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return &statusError{Code: resp.StatusCode, Body: string(b)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrTransport, path, err)
	}
	return nil
}

func (r *restClient) stepsSince(ctx context.Context, docID string, since uint64) (*stepsPage, error) {
	var page stepsPage
	path := "/documents/" + url.PathEscape(docID) + "/steps?since=" + strconv.FormatUint(since, 10)
	if err := r.do(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, err
	}
	if len(page.OTVersions) != len(page.Steps) || len(page.UserIDs) != len(page.Steps) {
		return nil, fmt.Errorf("%w: steps page has mismatched lengths", ErrTransport)
	}
	return &page, nil
}

// loadDocument 返回最新快照的内容和它的 ot_version；没有快照时从空文档开始
func (r *restClient) loadDocument(ctx context.Context, docID string) (*document.Document, uint64, error) {
	var p documentPayload
	if err := r.do(ctx, http.MethodGet, "/documents/"+url.PathEscape(docID), nil, &p); err != nil {
		return nil, 0, err
	}
	if p.Snapshot == nil {
		return document.New(), 0, nil
	}
	doc := document.New()
	if err := json.Unmarshal(p.Snapshot.Content, doc); err != nil {
		return nil, 0, fmt.Errorf("decode snapshot %d: %w", p.Snapshot.SnapshotVersion, err)
	}
	return doc, p.Snapshot.OTVersion, nil
}

func (r *restClient) createSnapshot(ctx context.Context, docID string, doc *document.Document, version uint64) (uint64, error) {
	content, err := json.Marshal(doc)
	if err != nil {
		return 0, err
	}
	var resp struct {
		SnapshotVersion uint64 `json:"snapshot_version"`
	}
	body := map[string]any{"content": json.RawMessage(content), "ot_version": version}
	if err := r.do(ctx, http.MethodPost, "/documents/"+url.PathEscape(docID)+"/snapshots", body, &resp); err != nil {
		return 0, err
	}
	return resp.SnapshotVersion, nil
}

// CreateDocument 新建文档，返回文档 id
func CreateDocument(ctx context.Context, serverURL, token, title string) (string, error) {
	r := &restClient{base: strings.TrimRight(serverURL, "/"), token: token, http: http.DefaultClient}
	var resp struct {
		ID string `json:"id"`
	}
	if err := r.do(ctx, http.MethodPost, "/documents", map[string]string{"title": title}, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}
