/*
Package ingest implements the upload inbox: a folder where operators (or
another system) drop NF-e XML files for direct ingestion.

LAYOUT:
  <inbox>/*.xml          waiting files
  <inbox>/processed/     applied
  <inbox>/duplicate/     document key already applied
  <inbox>/rejected/      malformed XML or invalid invoice

  A file that fails for an infrastructure reason (store down, lock
  timeout) stays in the inbox and is picked up again on the next start.

EVENTS:
  Editors and copy tools write in several steps, so Create/Write events
  are debounced per file before the file is read.
*/
package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/opme/consignment-engine/consignment"
	"github.com/opme/consignment-engine/nfe"
)

const (
	ProcessedDir = "processed"
	DuplicateDir = "duplicate"
	RejectedDir  = "rejected"

	defaultDebounce = 200 * time.Millisecond
)

// Submitter accepts parsed documents; *consignment.Engine implements it.
type Submitter interface {
	SubmitInvoice(ctx context.Context, raw consignment.RawDocument, source consignment.Source) (consignment.AppendResult, error)
}

type Watcher struct {
	dir       string
	submitter Submitter
	log       *logrus.Entry
	debounce  time.Duration

	mu      sync.Mutex // serializes processing
	timerMu sync.Mutex
	timers  map[string]*time.Timer
}

// NewWatcher creates the outcome folders under dir.
func NewWatcher(dir string, submitter Submitter, logger *logrus.Logger) (*Watcher, error) {
	for _, sub := range []string{ProcessedDir, DuplicateDir, RejectedDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create inbox folder: %w", err)
		}
	}
	return &Watcher{
		dir:       dir,
		submitter: submitter,
		log:       logger.WithFields(logrus.Fields{"module": "ingest", "inbox": dir}),
		debounce:  defaultDebounce,
		timers:    make(map[string]*time.Timer),
	}, nil
}

// Run processes the files already waiting, then watches the inbox until
// ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}

	if _, err := w.ProcessPending(ctx); err != nil {
		w.log.WithError(err).Error("failed to scan inbox")
	}
	w.log.Info("watching inbox")

	defer w.stopTimers()
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 || !isXML(event.Name) {
				continue
			}
			w.schedule(ctx, event.Name)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.WithError(err).Warn("file watcher error")
		}
	}
}

func (w *Watcher) schedule(ctx context.Context, path string) {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()

	if t, ok := w.timers[path]; ok {
		t.Stop()
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		w.timerMu.Lock()
		delete(w.timers, path)
		w.timerMu.Unlock()

		if ctx.Err() != nil {
			return
		}
		if _, err := w.ProcessFile(ctx, path); err != nil {
			w.log.WithError(err).WithField("file", filepath.Base(path)).Error("failed to ingest file")
		}
	})
}

func (w *Watcher) stopTimers() {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()
	for path, t := range w.timers {
		t.Stop()
		delete(w.timers, path)
	}
}

// ProcessPending ingests every XML file currently in the inbox, in name
// order, and returns how many were moved out of it.
func (w *Watcher) ProcessPending(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return 0, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() && isXML(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	moved := 0
	for _, name := range names {
		dest, err := w.ProcessFile(ctx, filepath.Join(w.dir, name))
		if err != nil {
			w.log.WithError(err).WithField("file", name).Error("failed to ingest file")
			continue
		}
		if dest != "" {
			moved++
		}
	}
	return moved, nil
}

// ProcessFile parses and submits one file and moves it to the folder of
// its outcome, returning that folder's name. A file that no longer exists
// returns "" and no error. Infrastructure errors leave the file in place.
func (w *Watcher) ProcessFile(ctx context.Context, path string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	log := w.log.WithField("file", filepath.Base(path))

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	raw, err := nfe.ParseReader(f)
	f.Close()

	dest := RejectedDir
	var perr *nfe.ParseError
	switch {
	case errors.As(err, &perr):
		log.WithError(err).Warn("rejected malformed document")
	case err != nil:
		return "", fmt.Errorf("read %s: %w", path, err)
	default:
		res, err := w.submitter.SubmitInvoice(ctx, raw, consignment.SourceUpload)
		switch {
		case res.Rejected():
			log.WithError(err).WithField("document_key", raw.DocumentKey).Warn("rejected invoice")
		case err != nil:
			return "", err
		case res.Duplicate():
			dest = DuplicateDir
			log.WithFields(logrus.Fields{"document_key": raw.DocumentKey, "note": res.Note}).Info("duplicate invoice")
		default:
			dest = ProcessedDir
			log.WithFields(logrus.Fields{"document_key": raw.DocumentKey, "entries": len(res.Entries)}).Info("applied invoice")
		}
	}

	if err := move(path, filepath.Join(w.dir, dest)); err != nil {
		return "", err
	}
	return dest, nil
}

// move renames path into dir, suffixing the name when it is taken.
func move(path, dir string) error {
	name := filepath.Base(path)
	target := filepath.Join(dir, name)
	if _, err := os.Stat(target); err == nil {
		ext := filepath.Ext(name)
		target = filepath.Join(dir, fmt.Sprintf("%s-%d%s", strings.TrimSuffix(name, ext), time.Now().UnixNano(), ext))
	}
	return os.Rename(path, target)
}

func isXML(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".xml")
}
