// Package seedr is the secondary acquisition path: it submits torrent jobs to
// seedr.cc, waits for them to finish, copies the resulting files through the
// transfer client and always removes the remote job afterwards.
package seedr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultBaseURL = "https://www.seedr.cc"
	clientID       = "seedr_chrome"

	maxResponseBodySize = 8 << 20
)

// APIError reports a request the service rejected
type APIError struct {
	Op      string
	Code    int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("seedr %s: status %d", e.Op, e.Code)
	}
	return fmt.Sprintf("seedr %s: %s (code %d)", e.Op, e.Message, e.Code)
}

// Config contains API client configuration
type Config struct {
	Email    string
	Password string
	// BaseURL overrides https://www.seedr.cc
	BaseURL string
	Timeout time.Duration
}

// Torrent is a job that is still downloading
type Torrent struct {
	ID       int64    `json:"id"`
	Name     string   `json:"name"`
	Size     int64    `json:"size"`
	Progress Progress `json:"progress"`
}

// Folder is a finished download
type Folder struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// File is a file inside a folder
type File struct {
	ID           int64  `json:"id"`
	FolderFileID int64  `json:"folder_file_id"`
	Name         string `json:"name"`
	Size         int64  `json:"size"`
}

// Contents is a folder listing
type Contents struct {
	Torrents []Torrent `json:"torrents"`
	Folders  []Folder  `json:"folders"`
	Files    []File    `json:"files"`
}

// Progress is a download percentage; the service sends it as a number or a
// quoted number
type Progress float64

func (p *Progress) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*p = 0
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid progress %q: %w", s, err)
	}
	*p = Progress(f)
	return nil
}

// AddResult is the response to a job submission
type AddResult struct {
	TorrentID int64  `json:"user_torrent_id"`
	Title     string `json:"title"`
	Hash      string `json:"torrent_hash"`
}

// API is a seedr.cc HTTP client. It logs in lazily and once more when the
// access token is rejected.
type API struct {
	config     Config
	httpClient *http.Client
	logger     *zap.Logger

	mu    sync.Mutex
	token string
}

// NewAPI creates a seedr API client
func NewAPI(cfg Config, logger *zap.Logger) *API {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &API{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}

// Login exchanges the account credentials for an access token
func (a *API) Login(ctx context.Context) error {
	form := url.Values{
		"grant_type": {"password"},
		"client_id":  {clientID},
		"type":       {"login"},
		"username":   {a.config.Email},
		"password":   {a.config.Password},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.config.BaseURL+"/oauth_test/token.php", strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var out struct {
		AccessToken string `json:"access_token"`
		Error       string `json:"error"`
		Description string `json:"error_description"`
	}
	status, err := a.send(req, &out)
	if err != nil {
		return fmt.Errorf("seedr login: %w", err)
	}
	if out.AccessToken == "" {
		msg := out.Description
		if msg == "" {
			msg = out.Error
		}
		return &APIError{Op: "login", Code: status, Message: msg}
	}

	a.mu.Lock()
	a.token = out.AccessToken
	a.mu.Unlock()

	a.logger.Debug("Logged in to seedr", zap.String("user", a.config.Email))
	return nil
}

// AddMagnet submits a magnet link
func (a *API) AddMagnet(ctx context.Context, magnet string) (AddResult, error) {
	var out addResponse
	err := a.resource(ctx, "add_torrent", func(token string) (*http.Request, error) {
		form := url.Values{
			"access_token":   {token},
			"func":           {"add_torrent"},
			"torrent_magnet": {magnet},
		}
		return a.formRequest(ctx, form)
	}, &out)
	if err != nil {
		return AddResult{}, err
	}
	return out.result()
}

// AddTorrentURL downloads a .torrent file and uploads it
func (a *API) AddTorrentURL(ctx context.Context, torrentURL string) (AddResult, error) {
	data, name, err := a.fetchTorrentFile(ctx, torrentURL)
	if err != nil {
		return AddResult{}, err
	}

	var out addResponse
	err = a.resource(ctx, "add_torrent", func(token string) (*http.Request, error) {
		var body bytes.Buffer
		mw := multipart.NewWriter(&body)
		_ = mw.WriteField("access_token", token)
		_ = mw.WriteField("func", "add_torrent")
		fw, err := mw.CreateFormFile("torrent_file", name)
		if err != nil {
			return nil, err
		}
		if _, err := fw.Write(data); err != nil {
			return nil, err
		}
		if err := mw.Close(); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.resourceURL(), &body)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())
		return req, nil
	}, &out)
	if err != nil {
		return AddResult{}, err
	}
	return out.result()
}

// ListContents lists a folder; folderID 0 is the root
func (a *API) ListContents(ctx context.Context, folderID int64) (Contents, error) {
	endpoint := a.config.BaseURL + "/api/folder"
	if folderID != 0 {
		endpoint += "/" + strconv.FormatInt(folderID, 10)
	}

	var out Contents
	err := a.resource(ctx, "list", func(token string) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+url.Values{"access_token": {token}}.Encode(), nil)
	}, &out)
	return out, err
}

// FetchFile returns a direct download URL for a file
func (a *API) FetchFile(ctx context.Context, folderFileID int64) (string, error) {
	var out struct {
		envelope
		URL string `json:"url"`
	}
	err := a.resource(ctx, "fetch_file", func(token string) (*http.Request, error) {
		form := url.Values{
			"access_token":   {token},
			"func":           {"fetch_file"},
			"folder_file_id": {strconv.FormatInt(folderFileID, 10)},
		}
		return a.formRequest(ctx, form)
	}, &out)
	if err != nil {
		return "", err
	}
	if out.URL == "" {
		return "", out.apiError("fetch_file")
	}
	return out.URL, nil
}

// DeleteFolder removes a finished download
func (a *API) DeleteFolder(ctx context.Context, id int64) error {
	return a.delete(ctx, "folder", id)
}

// DeleteTorrent removes a running job
func (a *API) DeleteTorrent(ctx context.Context, id int64) error {
	return a.delete(ctx, "torrent", id)
}

// DeleteFile removes a loose file
func (a *API) DeleteFile(ctx context.Context, id int64) error {
	return a.delete(ctx, "file", id)
}

// DeleteAll empties the account root. All items are attempted; the errors
// are joined.
func (a *API) DeleteAll(ctx context.Context) error {
	contents, err := a.ListContents(ctx, 0)
	if err != nil {
		return err
	}

	var errs []error
	for _, t := range contents.Torrents {
		errs = append(errs, a.DeleteTorrent(ctx, t.ID))
	}
	for _, f := range contents.Folders {
		errs = append(errs, a.DeleteFolder(ctx, f.ID))
	}
	for _, f := range contents.Files {
		errs = append(errs, a.DeleteFile(ctx, f.ID))
	}

	a.logger.Info("Cleared seedr account",
		zap.Int("torrents", len(contents.Torrents)),
		zap.Int("folders", len(contents.Folders)),
		zap.Int("files", len(contents.Files)),
	)
	return errors.Join(errs...)
}

func (a *API) delete(ctx context.Context, kind string, id int64) error {
	items, err := json.Marshal([]map[string]any{{"type": kind, "id": id}})
	if err != nil {
		return err
	}

	var out envelope
	err = a.resource(ctx, "delete", func(token string) (*http.Request, error) {
		form := url.Values{
			"access_token": {token},
			"func":         {"delete"},
			"delete_arr":   {string(items)},
		}
		return a.formRequest(ctx, form)
	}, &out)
	if err != nil {
		return err
	}
	if out.Result != nil && !*out.Result {
		return out.apiError("delete " + kind)
	}

	a.logger.Debug("Deleted seedr item", zap.String("type", kind), zap.Int64("id", id))
	return nil
}

// resource runs an authenticated call, logging in first if needed and once
// more on 401
func (a *API) resource(ctx context.Context, op string, build func(token string) (*http.Request, error), out any) error {
	for attempt := 0; ; attempt++ {
		token, err := a.accessToken(ctx)
		if err != nil {
			return err
		}

		req, err := build(token)
		if err != nil {
			return fmt.Errorf("failed to create %s request: %w", op, err)
		}

		status, err := a.send(req, out)
		if status == http.StatusUnauthorized && attempt == 0 {
			a.logger.Debug("Access token rejected, logging in again", zap.String("op", op))
			a.mu.Lock()
			a.token = ""
			a.mu.Unlock()
			continue
		}
		if err != nil {
			return fmt.Errorf("seedr %s: %w", op, err)
		}
		return nil
	}
}

func (a *API) accessToken(ctx context.Context) (string, error) {
	a.mu.Lock()
	token := a.token
	a.mu.Unlock()
	if token != "" {
		return token, nil
	}

	if err := a.Login(ctx); err != nil {
		return "", err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	return a.token, nil
}

// send executes req and decodes a JSON body into out. Non-2xx responses are
// returned as *APIError.
func (a *API) send(req *http.Request, out any) (int, error) {
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 300 {
		var env envelope
		_ = json.Unmarshal(body, &env)
		msg := env.Error
		if msg == "" {
			msg = strings.TrimSpace(string(body))
		}
		return resp.StatusCode, &APIError{Op: req.URL.Path, Code: resp.StatusCode, Message: msg}
	}

	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func (a *API) formRequest(ctx context.Context, form url.Values) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.resourceURL(), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req, nil
}

func (a *API) resourceURL() string {
	return a.config.BaseURL + "/oauth_test/resource.php"
}

func (a *API) fetchTorrentFile(ctx context.Context, torrentURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, torrentURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to fetch torrent file: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("failed to fetch torrent file: HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read torrent file: %w", err)
	}

	name := path.Base(req.URL.Path)
	if name == "" || name == "." || name == "/" {
		name = "download.torrent"
	}
	return data, name, nil
}

type envelope struct {
	Result *bool  `json:"result"`
	Code   int    `json:"code"`
	Error  string `json:"error"`
}

func (e envelope) apiError(op string) error {
	return &APIError{Op: op, Code: e.Code, Message: e.Error}
}

type addResponse struct {
	envelope
	AddResult
}

func (r addResponse) result() (AddResult, error) {
	if r.Code != 0 && r.Code != http.StatusOK {
		return AddResult{}, r.apiError("add_torrent")
	}
	if r.TorrentID == 0 {
		return AddResult{}, r.apiError("add_torrent")
	}
	return r.AddResult, nil
}
