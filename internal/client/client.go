package client

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/elfregistry/registry/internal/adapters/auth"
	"github.com/elfregistry/registry/internal/core/models"
	"github.com/elfregistry/registry/internal/util/hashing"
)

// ErrNotFound matches any *HTTPError with status 404.
var ErrNotFound = errors.New("not found")

// HTTPError is a non-2xx response from the registry.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("error (%d): %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// Client talks to a registry server.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New creates a Client. A nil httpClient means http.DefaultClient.
func New(baseURL, apiKey string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    httpClient,
	}
}

// UploadRequest describes one program upload. Binary is streamed.
type UploadRequest struct {
	Contract  string
	ProgramID string
	Metadata  models.ProgramMetadata
	Binary    io.Reader
}

// Upload sends a multipart upload with program_id, metadata and file parts.
func (c *Client) Upload(ctx context.Context, req UploadRequest) (*models.UploadResponse, error) {
	meta, err := json.Marshal(req.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encoding metadata: %w", err)
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeUploadForm(mw, req.ProgramID, meta, req.Binary))
	}()

	httpReq, err := c.newRequest(ctx, http.MethodPost, c.contractURL(req.Contract), pr)
	if err != nil {
		pr.Close()
		return nil, err
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	c.authorize(httpReq)

	var out models.UploadResponse
	if err := c.doJSON(httpReq, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func writeUploadForm(mw *multipart.Writer, programID string, meta []byte, binary io.Reader) error {
	if err := mw.WriteField("program_id", programID); err != nil {
		return err
	}
	if err := mw.WriteField("metadata", string(meta)); err != nil {
		return err
	}
	fw, err := mw.CreateFormFile("file", "program.elf")
	if err != nil {
		return err
	}
	if _, err := io.Copy(fw, binary); err != nil {
		return fmt.Errorf("reading binary: %w", err)
	}
	return mw.Close()
}

// DownloadResult describes a completed download.
type DownloadResult struct {
	Size   int64
	SHA256 string
}

// DownloadTo streams a binary into w and checks it against the digest header
// when the server sends one.
func (c *Client) DownloadTo(ctx context.Context, contract, programID string, w io.Writer) (DownloadResult, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.programURL(contract, programID), nil)
	if err != nil {
		return DownloadResult{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return DownloadResult{}, fmt.Errorf("sending download request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return DownloadResult{}, readHTTPError(resp)
	}

	hw := hashing.NewWriter(w)
	if _, err := io.Copy(hw, resp.Body); err != nil {
		return DownloadResult{}, fmt.Errorf("reading response body: %w", err)
	}
	res := DownloadResult{Size: hw.Written(), SHA256: hw.Hash()}
	if want := resp.Header.Get("X-Artifact-Sha256"); want != "" && want != res.SHA256 {
		return res, fmt.Errorf("digest mismatch: server sent %s, received %s", want, res.SHA256)
	}
	return res, nil
}

// Download returns a binary in memory.
func (c *Client) Download(ctx context.Context, contract, programID string) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := c.DownloadTo(ctx, contract, programID, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *Client) ListAll(ctx context.Context) (map[string][]models.ProgramInfo, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.baseURL+"/api/elfs", nil)
	if err != nil {
		return nil, err
	}
	out := map[string][]models.ProgramInfo{}
	if err := c.doJSON(req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListContract(ctx context.Context, contract string) ([]models.ProgramInfo, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.contractURL(contract), nil)
	if err != nil {
		return nil, err
	}
	var out []models.ProgramInfo
	if err := c.doJSON(req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) DeleteProgram(ctx context.Context, contract, programID string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, c.programURL(contract, programID), nil)
	if err != nil {
		return err
	}
	c.authorize(req)
	return c.doJSON(req, &models.StatusResponse{})
}

func (c *Client) DeleteContract(ctx context.Context, contract string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, c.contractURL(contract), nil)
	if err != nil {
		return err
	}
	c.authorize(req)
	return c.doJSON(req, &models.StatusResponse{})
}

func (c *Client) newRequest(ctx context.Context, method, u string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	return req, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set(auth.HeaderAPIKey, c.apiKey)
	}
}

func (c *Client) doJSON(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("sending %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return readHTTPError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func (c *Client) contractURL(contract string) string {
	return fmt.Sprintf("%s/api/elfs/%s", c.baseURL, url.PathEscape(contract))
}

func (c *Client) programURL(contract, programID string) string {
	return fmt.Sprintf("%s/api/elfs/%s/%s", c.baseURL, url.PathEscape(contract), url.PathEscape(programID))
}

func readHTTPError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	e := &HTTPError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	if len(body) == 0 {
		return e
	}

	var payload models.ErrorResponse
	if err := json.Unmarshal(body, &payload); err == nil && payload.Message != "" {
		e.Message = payload.Message
		return e
	}
	e.Message = strings.TrimSpace(string(body))
	return e
}

// ProgramIDHexFromFile hex-encodes a binary program id file, as produced for
// verifying keys.
func ProgramIDHexFromFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading program id file %s: %w", path, err)
	}
	return hex.EncodeToString(data), nil
}

// ProgramIDFromFile reads a textual program id, trimming surrounding space.
func ProgramIDFromFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading program id file %s: %w", path, err)
	}
	if !utf8.Valid(data) {
		return "", fmt.Errorf("program id file %s is not valid UTF-8", path)
	}
	return strings.TrimSpace(string(data)), nil
}
