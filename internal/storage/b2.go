package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coah80/hoist/internal/config"
)

// B2Client talks to a Backblaze-style large-file API over HTTP. All
// control-plane calls go through the account-scoped api URL returned by
// authorize; part bytes go to per-session upload URLs.
type B2Client struct {
	apiBase    string
	keyID      string
	appKey     string
	bucketID   string
	bucketName string

	mu          sync.Mutex
	authToken   string
	apiURL      string
	downloadURL string

	httpc *http.Client
}

func NewB2() *B2Client {
	return &B2Client{
		apiBase:    config.B2APIBase,
		keyID:      config.B2KeyID,
		appKey:     config.B2AppKey,
		bucketID:   config.B2BucketID,
		bucketName: config.B2BucketName,
		httpc:      &http.Client{Timeout: 5 * time.Minute},
	}
}

func (c *B2Client) authorize(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.apiBase+"/b2api/v2/b2_authorize_account", nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.keyID, c.appKey)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != 200 {
		return fmt.Errorf("authorize failed: HTTP %d", resp.StatusCode)
	}

	var data struct {
		AuthorizationToken string `json:"authorizationToken"`
		APIURL             string `json:"apiUrl"`
		DownloadURL        string `json:"downloadUrl"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return fmt.Errorf("authorize: invalid JSON response")
	}

	c.mu.Lock()
	c.authToken = data.AuthorizationToken
	c.apiURL = data.APIURL
	c.downloadURL = data.DownloadURL
	c.mu.Unlock()
	return nil
}

func (c *B2Client) session(ctx context.Context) (token, apiURL string, err error) {
	c.mu.Lock()
	token, apiURL = c.authToken, c.apiURL
	c.mu.Unlock()
	if token != "" {
		return token, apiURL, nil
	}
	if err := c.authorize(ctx); err != nil {
		return "", "", err
	}
	c.mu.Lock()
	token, apiURL = c.authToken, c.apiURL
	c.mu.Unlock()
	return token, apiURL, nil
}

// call posts one control-plane operation. An expired auth token gets
// refreshed once, then the call is replayed.
func (c *B2Client) call(ctx context.Context, op string, body map[string]interface{}, out interface{}) error {
	for refresh := 0; refresh < 2; refresh++ {
		token, apiURL, err := c.session(ctx)
		if err != nil {
			return err
		}

		jsonBody, _ := json.Marshal(body)
		req, err := http.NewRequestWithContext(ctx, "POST", apiURL+"/b2api/v2/"+op, bytes.NewReader(jsonBody))
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", token)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpc.Do(req)
		if err != nil {
			return err
		}
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode == 401 && refresh == 0 {
			log.Printf("[B2] Auth token expired during %s, refreshing", op)
			c.mu.Lock()
			c.authToken = ""
			c.mu.Unlock()
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("%s: %s", op, apiErrorCode(respBody, resp.StatusCode))
		}
		if out != nil {
			if err := json.Unmarshal(respBody, out); err != nil {
				return fmt.Errorf("%s: invalid JSON response", op)
			}
		}
		return nil
	}
	return fmt.Errorf("%s: authorization retry exhausted", op)
}

func apiErrorCode(body []byte, status int) string {
	var e struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &e) == nil && e.Code != "" {
		return e.Code
	}
	return fmt.Sprintf("HTTP %d", status)
}

func (c *B2Client) OpenSession(ctx context.Context, bucketID, fileName, contentType string) (string, error) {
	if bucketID == "" {
		bucketID = c.bucketID
	}
	var out struct {
		FileID string `json:"fileId"`
	}
	err := c.call(ctx, "b2_start_large_file", map[string]interface{}{
		"bucketId":    bucketID,
		"fileName":    fileName,
		"contentType": contentType,
	}, &out)
	if err != nil {
		return "", err
	}
	return out.FileID, nil
}

func (c *B2Client) PartTarget(ctx context.Context, sessionID string) (*UploadTarget, error) {
	var out struct {
		UploadURL          string `json:"uploadUrl"`
		AuthorizationToken string `json:"authorizationToken"`
	}
	err := c.call(ctx, "b2_get_upload_part_url", map[string]interface{}{
		"fileId": sessionID,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &UploadTarget{SessionID: sessionID, URL: out.UploadURL, Token: out.AuthorizationToken}, nil
}

func (c *B2Client) UploadPart(ctx context.Context, target *UploadTarget, partNumber int, sha1Hex string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, "POST", target.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", target.Token)
	req.Header.Set("X-Bz-Part-Number", strconv.Itoa(partNumber))
	req.Header.Set("X-Bz-Content-Sha1", sha1Hex)
	req.ContentLength = int64(len(body))

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	respBody, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("upload part %d: %s", partNumber, apiErrorCode(respBody, resp.StatusCode))
	}
	return nil
}

func (c *B2Client) Finalize(ctx context.Context, sessionID string, sha1Hexes []string) (*Object, error) {
	var out struct {
		FileName      string `json:"fileName"`
		ContentLength int64  `json:"contentLength"`
	}
	err := c.call(ctx, "b2_finish_large_file", map[string]interface{}{
		"fileId":        sessionID,
		"partSha1Array": sha1Hexes,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &Object{Name: out.FileName, Size: out.ContentLength}, nil
}

func (c *B2Client) CancelSession(ctx context.Context, sessionID string) error {
	return c.call(ctx, "b2_cancel_large_file", map[string]interface{}{
		"fileId": sessionID,
	}, nil)
}

func (c *B2Client) Put(ctx context.Context, name, contentType string, body []byte) (*Object, error) {
	var target struct {
		UploadURL          string `json:"uploadUrl"`
		AuthorizationToken string `json:"authorizationToken"`
	}
	err := c.call(ctx, "b2_get_upload_url", map[string]interface{}{
		"bucketId": c.bucketID,
	}, &target)
	if err != nil {
		return nil, err
	}

	sum := sha1Sum(body)
	req, err := http.NewRequestWithContext(ctx, "POST", target.UploadURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", target.AuthorizationToken)
	req.Header.Set("X-Bz-File-Name", url.PathEscape(name))
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Bz-Content-Sha1", sum)
	req.ContentLength = int64(len(body))

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	respBody, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("put %s: %s", name, apiErrorCode(respBody, resp.StatusCode))
	}
	return &Object{Name: name, Size: int64(len(body))}, nil
}

func (c *B2Client) ObjectURL(name string) string {
	if config.PublicBaseURL != "" {
		return strings.TrimSuffix(config.PublicBaseURL, "/") + "/" + url.PathEscape(name)
	}
	c.mu.Lock()
	base := c.downloadURL
	c.mu.Unlock()
	if base == "" {
		base = c.apiBase
	}
	return fmt.Sprintf("%s/file/%s/%s", base, c.bucketName, url.PathEscape(name))
}
