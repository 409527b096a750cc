// Package labels hosts downloaded label PDFs on local storage and sweeps
// out files past the retention period.
package labels

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lilleprinsen-dotcom/Returportal/internal/metrics"
)

type Store struct {
	dir           string
	publicBaseURL string
	logger        *zap.Logger
	timeNow       func() time.Time
}

func NewStore(dir, publicBaseURL string, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create label directory %s: %w", dir, err)
	}
	return &Store{
		dir:           dir,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
		logger:        logger,
		timeNow:       time.Now,
	}, nil
}

// Save writes the PDF under an unguessable random name and returns the
// public URL plus the stored filename.
func (s *Store) Save(pdf []byte) (publicURL, filename string, err error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", "", err
	}
	filename = "label-" + hex.EncodeToString(buf) + ".pdf"

	if err := os.WriteFile(filepath.Join(s.dir, filename), pdf, 0o640); err != nil {
		return "", "", fmt.Errorf("failed to write label file: %w", err)
	}
	metrics.LabelsHostedTotal.Inc()
	return s.publicBaseURL + "/" + filename, filename, nil
}

// Open resolves a hosted filename to a filesystem path, refusing anything
// that escapes the label directory.
func (s *Store) Open(filename string) (string, error) {
	if filename == "" || filename != filepath.Base(filename) || !strings.HasSuffix(filename, ".pdf") {
		return "", os.ErrNotExist
	}
	path := filepath.Join(s.dir, filename)
	if _, err := os.Stat(path); err != nil {
		return "", err
	}
	return path, nil
}

// Sweep deletes hosted labels older than the retention period. Retention
// governs storage cleanup only; label validity is tracked on the order.
func (s *Store) Sweep(retention time.Duration) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, err
	}

	cutoff := s.timeNow().Add(-retention)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".pdf") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, entry.Name())); err != nil {
			s.logger.Warn("failed to remove expired label", zap.String("file", entry.Name()), zap.Error(err))
			continue
		}
		removed++
	}
	if removed > 0 {
		metrics.LabelsSweptTotal.Add(float64(removed))
	}
	return removed, nil
}
