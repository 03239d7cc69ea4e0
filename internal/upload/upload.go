// Package upload copies finalized recordings to S3 compatible storage.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/smazurov/castnode/internal/config"
	"github.com/smazurov/castnode/internal/events"
	"github.com/smazurov/castnode/internal/logging"
)

// DefaultTimeout bounds one upload.
const DefaultTimeout = 30 * time.Minute

// Store puts an object and returns its location.
type Store interface {
	Put(ctx context.Context, bucket, key string, body io.Reader) (string, error)
}

// Uploader uploads every recording announced by a SessionStoppedEvent.
type Uploader struct {
	Timeout time.Duration

	cfg    config.UploadConfig
	store  Store
	bus    *events.Bus
	logger logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an uploader.
func New(cfg config.UploadConfig, store Store, bus *events.Bus, logger logging.Logger) *Uploader {
	ctx, cancel := context.WithCancel(context.Background())
	return &Uploader{
		Timeout: DefaultTimeout,
		cfg:     cfg,
		store:   store,
		bus:     bus,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Key returns the object key for a local recording.
func (u *Uploader) Key(localPath string) string {
	return path.Join(u.cfg.Prefix, filepath.Base(localPath))
}

// Upload copies one file and, when configured, removes it afterwards.
func (u *Uploader) Upload(ctx context.Context, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open recording: %w", err)
	}
	defer f.Close()

	key := u.Key(localPath)
	start := time.Now()
	location, err := u.store.Put(ctx, u.cfg.Bucket, key, f)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	u.logger.Info("Recording uploaded", "path", localPath, "location", location, "duration", time.Since(start))

	if u.cfg.DeleteAfter {
		if err := os.Remove(localPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			u.logger.Warn("Failed to remove uploaded recording", "path", localPath, "error", err)
		}
	}
	return location, nil
}

// Subscribe starts uploading recordings of stopped sessions. The returned
// function unsubscribes.
func (u *Uploader) Subscribe() func() {
	return u.bus.Subscribe(func(e events.SessionStoppedEvent) {
		if e.RecordingPath == "" {
			return
		}
		u.wg.Add(1)
		go func() {
			defer u.wg.Done()
			u.uploadAndReport(e.RecordingPath)
		}()
	})
}

func (u *Uploader) uploadAndReport(localPath string) {
	ctx, cancel := context.WithTimeout(u.ctx, u.Timeout)
	defer cancel()

	ev := events.RecordingUploadedEvent{Path: localPath}
	location, err := u.Upload(ctx, localPath)
	if err != nil {
		u.logger.Error("Recording upload failed", "path", localPath, "error", err)
		ev.Error = err.Error()
	}
	ev.Location = location
	ev.Timestamp = time.Now().UTC().Format(time.RFC3339)
	u.bus.Publish(ev)
}

// Close cancels running uploads and waits for them.
func (u *Uploader) Close() {
	u.cancel()
	u.wg.Wait()
}

// Start connects an S3 uploader to bus when uploads are enabled. The
// returned function unsubscribes and waits for running uploads; it is a
// no-op when uploads are disabled.
func Start(ctx context.Context, cfg config.UploadConfig, bus *events.Bus, logger logging.Logger) (func(), error) {
	if !cfg.Enabled {
		return func() {}, nil
	}
	store, err := NewS3Store(ctx, cfg)
	if err != nil {
		return nil, err
	}
	u := New(cfg, store, bus, logger)
	unsubscribe := u.Subscribe()
	logger.Info("Recording upload enabled", "bucket", cfg.Bucket, "prefix", cfg.Prefix)
	return func() {
		unsubscribe()
		u.Close()
	}, nil
}
