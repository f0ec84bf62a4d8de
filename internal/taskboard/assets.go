package taskboard

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/agoranet/backend/internal/httpapi"
	"github.com/agoranet/backend/internal/store"
)

// AssetStore writes deliverable blobs under root/<task_id>/<asset_id>/
// and hashes them on the way in. Metadata lives in SQLite; the blob on
// disk is immutable once written.
type AssetStore struct {
	root       string
	maxBytes   int64
	maxPerTask int
}

// NewAssetStore validates the storage root.
func NewAssetStore(root string, maxBytes int64, maxPerTask int) (*AssetStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("asset storage root: %w", err)
	}
	if maxBytes <= 0 {
		maxBytes = 10 << 20
	}
	if maxPerTask <= 0 {
		maxPerTask = 20
	}
	return &AssetStore{root: root, maxBytes: maxBytes, maxPerTask: maxPerTask}, nil
}

// save streams the upload to disk. Returns size, hex digest and the
// final path. Uploads over the byte limit are abandoned and cleaned up.
func (a *AssetStore) save(taskID, assetID, filename string, r io.Reader) (int64, string, string, error) {
	dir := filepath.Join(a.root, taskID, assetID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, "", "", err
	}
	path := filepath.Join(dir, filename)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return 0, "", "", err
	}

	hasher := sha256.New()
	// Read one byte past the limit so an exactly-at-limit upload passes.
	n, err := io.Copy(io.MultiWriter(f, hasher), io.LimitReader(r, a.maxBytes+1))
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.RemoveAll(dir)
		return 0, "", "", err
	}
	if n > a.maxBytes {
		os.RemoveAll(dir)
		return 0, "", "", httpapi.Errorf(httpapi.CodeFileTooLarge, "asset exceeds %d bytes", a.maxBytes)
	}
	return n, hex.EncodeToString(hasher.Sum(nil)), path, nil
}

// Open returns a reader over a stored blob.
func (a *AssetStore) Open(path string) (io.ReadCloser, error) {
	return os.Open(path)
}

func cleanFilename(filename string) (string, bool) {
	name := filepath.Base(strings.TrimSpace(filename))
	if name == "" || name == "." || name == ".." || name == string(filepath.Separator) {
		return "", false
	}
	return name, true
}

// UploadAsset stores a deliverable blob for an accepted task. Only the
// assigned worker may upload, and only while the task is accepted.
func (s *Service) UploadAsset(ctx context.Context, signerID, taskID, filename, contentType string, r io.Reader) (*Asset, error) {
	name, ok := cleanFilename(filename)
	if !ok {
		return nil, httpapi.NewError(httpapi.CodeInvalidPayload, "filename is required")
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	asset := &Asset{
		AssetID:     "asset-" + uuid.NewString(),
		TaskID:      taskID,
		UploaderID:  signerID,
		Filename:    name,
		ContentType: contentType,
		UploadedAt:  store.NowISO(),
	}
	_, err := s.mutate(ctx, taskID, func(tx *sql.Tx, task *Task) error {
		if task.WorkerID == nil || signerID != *task.WorkerID {
			return httpapi.NewError(httpapi.CodeForbidden, "only the assigned worker may upload assets")
		}
		if task.Status != StatusAccepted {
			return httpapi.Errorf(httpapi.CodeInvalidStatus, "task is %s, not accepted", task.Status)
		}
		n, err := countAssetsTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if n >= s.assets.maxPerTask {
			return httpapi.Errorf(httpapi.CodeTooManyAssets, "task already has %d assets", n)
		}

		size, digest, path, err := s.assets.save(taskID, asset.AssetID, name, r)
		if err != nil {
			return err
		}
		asset.Size = size
		asset.SHA256 = digest
		asset.StoragePath = path

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO assets (asset_id, task_id, uploader_id, filename, content_type, size, sha256, uploaded_at, storage_path)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			asset.AssetID, asset.TaskID, asset.UploaderID, asset.Filename, asset.ContentType,
			asset.Size, asset.SHA256, asset.UploadedAt, asset.StoragePath); err != nil {
			os.RemoveAll(filepath.Dir(path))
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.Assets.Inc()
	s.hub.Publish("asset.uploaded", map[string]string{"task_id": taskID, "asset_id": asset.AssetID})
	return asset, nil
}

// canSeeAssets restricts deliverable access to the two parties and the
// platform (the Court reads assets when judging).
func (s *Service) canSeeAssets(task *Task, requesterID string) bool {
	if requesterID == task.PosterID || s.isPlatform(requesterID) {
		return true
	}
	return task.WorkerID != nil && requesterID == *task.WorkerID
}

// Assets lists a task's deliverable metadata.
func (s *Service) Assets(ctx context.Context, requesterID, taskID string) ([]*Asset, error) {
	task, err := s.Refresh(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !s.canSeeAssets(task, requesterID) {
		return nil, httpapi.NewError(httpapi.CodeForbidden, "assets are visible to the task parties only")
	}
	return s.store.ListAssets(ctx, taskID)
}

// Asset fetches one asset's metadata.
func (s *Service) Asset(ctx context.Context, requesterID, taskID, assetID string) (*Asset, error) {
	task, err := s.Refresh(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !s.canSeeAssets(task, requesterID) {
		return nil, httpapi.NewError(httpapi.CodeForbidden, "assets are visible to the task parties only")
	}
	return s.store.GetAsset(ctx, taskID, assetID)
}

// AssetContent opens the stored blob for download.
func (s *Service) AssetContent(ctx context.Context, requesterID, taskID, assetID string) (*Asset, io.ReadCloser, error) {
	asset, err := s.Asset(ctx, requesterID, taskID, assetID)
	if err != nil {
		return nil, nil, err
	}
	rc, err := s.assets.Open(asset.StoragePath)
	if err != nil {
		return nil, nil, httpapi.NewError(httpapi.CodeInternal, "internal error")
	}
	return asset, rc, nil
}
