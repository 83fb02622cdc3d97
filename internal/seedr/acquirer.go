package seedr

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrTimeout is returned when a job does not finish within the timeout
var ErrTimeout = errors.New("timed out waiting for seedr job")

// Status is the remote state of a submitted job
type Status string

const (
	StatusSubmitted  Status = "submitted"
	StatusInProgress Status = "in-progress"
	StatusFinished   Status = "finished"
	StatusDeleted    Status = "deleted"
)

// Remote is the subset of the seedr API the acquirer drives
type Remote interface {
	AddMagnet(ctx context.Context, magnet string) (AddResult, error)
	AddTorrentURL(ctx context.Context, torrentURL string) (AddResult, error)
	ListContents(ctx context.Context, folderID int64) (Contents, error)
	FetchFile(ctx context.Context, folderFileID int64) (string, error)
	DeleteFolder(ctx context.Context, id int64) error
	DeleteTorrent(ctx context.Context, id int64) error
}

// Copier copies a URL to a destination; transfer.Client implements it
type Copier interface {
	CopyURL(ctx context.Context, url, dest string) error
}

// Job is a submitted download
type Job struct {
	TorrentID int64
	Name      string
	// Size is -1 until the torrent has been listed
	Size     int64
	FolderID int64
	Status   Status
	// Copied lists the names of files handed to the copier
	Copied []string
}

func (j *Job) String() string {
	return fmt.Sprintf("Torrent ID: %d | Name: %s | Size: %d", j.TorrentID, j.Name, j.Size)
}

// AcquirerConfig contains acquirer configuration
type AcquirerConfig struct {
	PollInterval time.Duration
	// Dest is passed to the copier; empty means its default
	Dest string
}

// Acquirer runs jobs to completion and copies their files
type Acquirer struct {
	remote Remote
	copier Copier
	config AcquirerConfig
	logger *zap.Logger
}

// NewAcquirer creates an acquirer
func NewAcquirer(remote Remote, copier Copier, cfg AcquirerConfig, logger *zap.Logger) *Acquirer {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return &Acquirer{
		remote: remote,
		copier: copier,
		config: cfg,
		logger: logger,
	}
}

// Download submits locator (a magnet link or a .torrent URL), waits up to
// timeout for it to finish and copies the files whose extension is in
// filterExt (all files when empty). The remote job is deleted before
// Download returns, whatever the outcome.
func (a *Acquirer) Download(ctx context.Context, locator string, filterExt []string, timeout time.Duration) (job *Job, err error) {
	job, err = a.submit(ctx, locator)
	if err != nil {
		return nil, err
	}
	logger := a.logger.With(zap.Int64("torrent_id", job.TorrentID), zap.String("name", job.Name))
	logger.Debug("Submitted seedr job", zap.String("locator", locator))

	defer func() {
		if cerr := a.cleanup(context.WithoutCancel(ctx), job); cerr != nil {
			logger.Warn("Failed to delete seedr job", zap.Error(cerr))
		}
	}()

	if err = a.wait(ctx, job, timeout); err != nil {
		return job, err
	}

	if job.Status != StatusFinished {
		logger.Warn("Seedr job disappeared before finishing")
		return job, &APIError{Op: "wait", Message: "job was deleted remotely"}
	}

	logger.Debug("Seedr job finished", zap.Int64("folder_id", job.FolderID))
	return job, a.copyFiles(ctx, job, filterExt, logger)
}

func (a *Acquirer) submit(ctx context.Context, locator string) (*Job, error) {
	var (
		res AddResult
		err error
	)
	if strings.HasPrefix(locator, "magnet:") {
		res, err = a.remote.AddMagnet(ctx, locator)
	} else {
		res, err = a.remote.AddTorrentURL(ctx, locator)
	}
	if err != nil {
		return nil, err
	}

	return &Job{
		TorrentID: res.TorrentID,
		Name:      res.Title,
		Size:      -1,
		Status:    StatusSubmitted,
	}, nil
}

// wait polls until the job is finished or deleted. The first poll is
// immediate; later polls are paced by the poll interval.
func (a *Acquirer) wait(ctx context.Context, job *Job, timeout time.Duration) error {
	pollCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		pollCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	limiter := rate.NewLimiter(rate.Every(a.config.PollInterval), 1)
	for {
		if err := limiter.Wait(pollCtx); err != nil {
			return a.waitError(ctx, timeout, err)
		}

		err := a.refresh(pollCtx, job)
		if err != nil {
			if pollCtx.Err() != nil {
				return a.waitError(ctx, timeout, err)
			}
			return err
		}

		if job.Status == StatusFinished || job.Status == StatusDeleted {
			return nil
		}
	}
}

func (a *Acquirer) waitError(ctx context.Context, timeout time.Duration, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%w after %s: %v", ErrTimeout, timeout, err)
}

// refresh derives the job status from a root listing: a listed torrent is in
// progress, a folder with the same name and size is the finished download
func (a *Acquirer) refresh(ctx context.Context, job *Job) error {
	contents, err := a.remote.ListContents(ctx, 0)
	if err != nil {
		return err
	}

	for _, t := range contents.Torrents {
		if t.ID == job.TorrentID {
			job.Name = t.Name
			job.Size = t.Size
			job.Status = StatusInProgress
			a.logger.Debug("Seedr job in progress",
				zap.Int64("torrent_id", job.TorrentID),
				zap.Float64("progress", float64(t.Progress)),
			)
			return nil
		}
	}

	for _, f := range contents.Folders {
		if f.Name == job.Name && (job.Size < 0 || f.Size == job.Size) {
			job.FolderID = f.ID
			job.Status = StatusFinished
			return nil
		}
	}

	job.Status = StatusDeleted
	return nil
}

func (a *Acquirer) copyFiles(ctx context.Context, job *Job, filterExt []string, logger *zap.Logger) error {
	contents, err := a.remote.ListContents(ctx, job.FolderID)
	if err != nil {
		return err
	}

	files := filterFiles(contents.Files, filterExt)
	if len(files) == 0 {
		logger.Debug("No matching files in seedr folder", zap.Strings("extensions", filterExt))
		return nil
	}

	var errs []error
	for _, f := range files {
		link, err := a.remote.FetchFile(ctx, f.FolderFileID)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		logger.Debug("Copying seedr file", zap.String("file", f.Name))
		if err := a.copier.CopyURL(ctx, link, a.config.Dest); err != nil {
			errs = append(errs, fmt.Errorf("copy of %s: %w", f.Name, err))
			continue
		}
		job.Copied = append(job.Copied, f.Name)
	}
	return errors.Join(errs...)
}

// cleanup issues exactly one delete for the last observed state
func (a *Acquirer) cleanup(ctx context.Context, job *Job) error {
	switch {
	case job.Status == StatusDeleted:
		return nil
	case job.FolderID != 0:
		return a.remote.DeleteFolder(ctx, job.FolderID)
	default:
		return a.remote.DeleteTorrent(ctx, job.TorrentID)
	}
}

func filterFiles(files []File, exts []string) []File {
	if len(exts) == 0 {
		return files
	}

	var out []File
	for _, f := range files {
		ext := strings.ToLower(filepath.Ext(f.Name))
		for _, want := range exts {
			if ext == strings.ToLower(want) {
				out = append(out, f)
				break
			}
		}
	}
	return out
}
