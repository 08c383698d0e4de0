// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package media stages files relayed between Discord and Matrix in a local
// directory. Every staged file is removed when its handle is closed, whatever
// happened to the relay.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/tcolgate/mp3"
)

// DownloadError is returned when fetching a remote file fails.
type DownloadError struct {
	URL string
	Err error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("download %s: %v", e.URL, e.Err)
}

func (e *DownloadError) Unwrap() error {
	return e.Err
}

// Fetcher downloads a remote file.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (io.ReadCloser, error)
}

// HTTPFetcher fetches files over HTTP(S).
type HTTPFetcher struct {
	Client *http.Client
}

// NewHTTPFetcher returns a fetcher with a bounded request timeout.
func NewHTTPFetcher() *HTTPFetcher {
	return &HTTPFetcher{Client: &http.Client{Timeout: 2 * time.Minute}}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &DownloadError{URL: url, Err: err}
	}
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, &DownloadError{URL: url, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, &DownloadError{URL: url, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}
	return resp.Body, nil
}

// Stager writes files into a staging directory.
type Stager struct {
	Dir string
	// MaxSize aborts staging of files larger than this many bytes. Zero
	// disables the check.
	MaxSize int64
}

// ErrTooLarge is returned when a staged file exceeds MaxSize.
var ErrTooLarge = errors.New("file exceeds size limit")

// StagedFile is a file in the staging directory. Close removes it.
type StagedFile struct {
	Path     string
	Name     string
	Size     int64
	MimeType string
}

// Open opens the staged file for reading.
func (f *StagedFile) Open() (*os.File, error) {
	return os.Open(f.Path)
}

// Close removes the staged file. It is safe to call more than once.
func (f *StagedFile) Close() error {
	err := os.Remove(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Stage copies src into a new uniquely named file. The returned file must be
// closed by the caller; on error nothing is left behind.
func (s *Stager) Stage(name string, src io.Reader) (staged *StagedFile, err error) {
	dir := s.Dir
	if dir == "" {
		dir = os.TempDir()
	}
	if err = os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, uuid.NewString()+filepath.Ext(filepath.Base(name)))
	out, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = os.Remove(path)
		}
	}()
	reader := src
	if s.MaxSize > 0 {
		reader = io.LimitReader(src, s.MaxSize+1)
	}
	size, err := io.Copy(out, reader)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return nil, err
	}
	if s.MaxSize > 0 && size > s.MaxSize {
		return nil, ErrTooLarge
	}
	mime, err := mimetype.DetectFile(path)
	if err != nil {
		return nil, err
	}
	return &StagedFile{
		Path:     path,
		Name:     name,
		Size:     size,
		MimeType: mime.String(),
	}, nil
}

// ProbeDuration returns the playback duration of an audio file, or zero when
// the format is not understood. Only MPEG audio is decoded.
func ProbeDuration(f *StagedFile) time.Duration {
	if !strings.HasPrefix(f.MimeType, "audio/mpeg") && !strings.EqualFold(filepath.Ext(f.Name), ".mp3") {
		return 0
	}
	file, err := f.Open()
	if err != nil {
		return 0
	}
	defer file.Close()

	var (
		total   time.Duration
		frame   mp3.Frame
		skipped int
	)
	dec := mp3.NewDecoder(file)
	for {
		if err = dec.Decode(&frame, &skipped); err != nil {
			break
		}
		total += frame.Duration()
	}
	return total
}
