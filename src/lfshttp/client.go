package lfshttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"blobcache.io/bclfs/src/lfs"
)

// Client calls a batch API endpoint and follows the actions it returns.
type Client struct {
	hc   *http.Client
	ep   string
	auth string
}

// NewClient creates a Client for the server at ep.
// auth is sent as the Authorization header on batch requests, it may be empty.
func NewClient(hc *http.Client, ep string, auth string) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{hc: hc, ep: strings.TrimSuffix(ep, "/"), auth: auth}
}

// Batch sends req for the repository at repoPath.
// Failures reported by the server are returned as *lfs.Error.
func (c *Client) Batch(ctx context.Context, repoPath string, req lfs.BatchRequest) (*lfs.BatchResponse, error) {
	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}
	u := c.ep + "/" + strings.Trim(repoPath, "/") + lfsPrefix + "objects/batch"
	headers := map[string]string{
		"Accept":       lfs.MediaType,
		"Content-Type": lfs.MediaType,
	}
	if c.auth != "" {
		headers["Authorization"] = c.auth
	}
	respBody, err := c.do(ctx, http.MethodPost, u, headers, bytes.NewReader(reqBody), int64(len(reqBody)))
	if err != nil {
		return nil, err
	}
	defer respBody.Close()
	var resp lfs.BatchResponse
	if err := json.NewDecoder(respBody).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &resp, nil
}

// Upload sends size bytes from r to an upload action.
func (c *Client) Upload(ctx context.Context, act *lfs.Action, r io.Reader, size int64) error {
	headers := actionHeaders(act)
	headers["Content-Type"] = "application/octet-stream"
	body, err := c.do(ctx, http.MethodPut, act.Href, headers, r, size)
	if err != nil {
		return err
	}
	return body.Close()
}

// Download follows a download action.  The caller must close the returned reader.
func (c *Client) Download(ctx context.Context, act *lfs.Action) (io.ReadCloser, error) {
	return c.do(ctx, http.MethodGet, act.Href, actionHeaders(act), nil, 0)
}

// Verify calls a verify action for obj.
func (c *Client) Verify(ctx context.Context, act *lfs.Action, obj lfs.ObjectSpec) error {
	reqBody, err := json.Marshal(lfs.VerifyRequest{OID: obj.OID, Size: obj.Size})
	if err != nil {
		return err
	}
	headers := actionHeaders(act)
	headers["Content-Type"] = lfs.MediaType
	body, err := c.do(ctx, http.MethodPost, act.Href, headers, bytes.NewReader(reqBody), int64(len(reqBody)))
	if err != nil {
		return err
	}
	return body.Close()
}

// Healthy returns nil if the server answers its liveness check.
func (c *Client) Healthy(ctx context.Context) error {
	body, err := c.do(ctx, http.MethodGet, c.ep+"/healthz", nil, nil, 0)
	if err != nil {
		return err
	}
	return body.Close()
}

func (c *Client) do(ctx context.Context, method, u string, headers map[string]string, body io.Reader, size int64) (io.ReadCloser, error) {
	httpReq, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		httpReq.ContentLength = size
	}
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}
	httpResp, err := c.hc.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		defer httpResp.Body.Close()
		return nil, readError(httpResp)
	}
	return httpResp.Body, nil
}

// readError turns a failed response back into an *lfs.Error.
func readError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	var eb errorBody
	msg := strings.TrimSpace(string(data))
	if err := json.Unmarshal(data, &eb); err == nil && eb.Message != "" {
		msg = eb.Message
	}
	if msg == "" {
		msg = fmt.Sprintf("request failed with status %d", resp.StatusCode)
	}
	return lfs.NewError(lfs.KindForStatus(resp.StatusCode), msg)
}

func actionHeaders(act *lfs.Action) map[string]string {
	ret := make(map[string]string, len(act.Header)+1)
	for k, v := range act.Header {
		ret[k] = v
	}
	return ret
}
