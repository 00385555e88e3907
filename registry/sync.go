package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/opme/consignment-engine/consignment"
	"github.com/opme/consignment-engine/nfe"
)

// ErrSyncInProgress is returned when a run is requested while another one
// has not finished.
var ErrSyncInProgress = errors.New("registry sync already in progress")

// Registry is the part of Client the Syncer uses.
type Registry interface {
	ListIssued(ctx context.Context, from, to time.Time, page int) (IssuedPage, error)
	FetchXML(ctx context.Context, documentKey string) ([]byte, error)
}

// Submitter accepts parsed documents; *consignment.Engine implements it.
type Submitter interface {
	SubmitInvoice(ctx context.Context, raw consignment.RawDocument, source consignment.Source) (consignment.AppendResult, error)
}

// SyncReport summarizes one run. Failed counts documents that could not
// be fetched or stored; Rejected counts documents the engine refused.
type SyncReport struct {
	From       time.Time `json:"from"`
	To         time.Time `json:"to"`
	Pages      int       `json:"pages"`
	Seen       int       `json:"seen"`
	Applied    int       `json:"applied"`
	Duplicate  int       `json:"duplicate"`
	Rejected   int       `json:"rejected"`
	Failed     int       `json:"failed"`
	Errors     []string  `json:"errors,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

const maxReportedErrors = 50

type Syncer struct {
	registry    Registry
	submitter   Submitter
	concurrency int
	log         *logrus.Entry
	running     atomic.Bool
}

func NewSyncer(registry Registry, submitter Submitter, concurrency int, logger *logrus.Logger) *Syncer {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Syncer{
		registry:    registry,
		submitter:   submitter,
		concurrency: concurrency,
		log:         logger.WithField("module", "registry-sync"),
	}
}

// Run pages through the invoices issued between from and to and submits
// each one with source registry. A failing document is counted and
// skipped; a failing page listing ends the run with an error.
func (s *Syncer) Run(ctx context.Context, from, to time.Time) (SyncReport, error) {
	if !s.running.CompareAndSwap(false, true) {
		return SyncReport{}, ErrSyncInProgress
	}
	defer s.running.Store(false)

	report := &SyncReport{From: from, To: to, StartedAt: time.Now().UTC()}
	var mu sync.Mutex
	record := func(fn func(r *SyncReport)) {
		mu.Lock()
		fn(report)
		mu.Unlock()
	}

	for page := 1; ; page++ {
		listed, err := s.registry.ListIssued(ctx, from, to, page)
		if err != nil {
			report.FinishedAt = time.Now().UTC()
			return *report, fmt.Errorf("list page %d: %w", page, err)
		}
		if len(listed.Invoices) == 0 {
			break
		}
		report.Pages++

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.concurrency)
		for _, issued := range listed.Invoices {
			g.Go(func() error {
				s.syncOne(gctx, issued.DocumentKey, record)
				return gctx.Err()
			})
		}
		if err := g.Wait(); err != nil {
			report.FinishedAt = time.Now().UTC()
			return *report, err
		}

		if page >= listed.Pagination.TotalPages {
			break
		}
	}

	report.FinishedAt = time.Now().UTC()
	s.log.WithFields(logrus.Fields{
		"funcName":  "Run",
		"pages":     report.Pages,
		"seen":      report.Seen,
		"applied":   report.Applied,
		"duplicate": report.Duplicate,
		"rejected":  report.Rejected,
		"failed":    report.Failed,
	}).Info("registry sync finished")
	return *report, nil
}

func (s *Syncer) syncOne(ctx context.Context, documentKey string, record func(func(*SyncReport))) {
	fail := func(counter *int, r *SyncReport, err error) {
		*counter++
		if len(r.Errors) < maxReportedErrors {
			r.Errors = append(r.Errors, fmt.Sprintf("%s: %v", documentKey, err))
		}
	}
	log := s.log.WithFields(logrus.Fields{"funcName": "syncOne", "document_key": documentKey})

	record(func(r *SyncReport) { r.Seen++ })
	if documentKey == "" {
		record(func(r *SyncReport) { fail(&r.Failed, r, errors.New("listing without access key")) })
		return
	}

	data, err := s.registry.FetchXML(ctx, documentKey)
	if err != nil {
		log.WithError(err).Warn("failed to fetch xml")
		record(func(r *SyncReport) { fail(&r.Failed, r, err) })
		return
	}

	raw, err := nfe.Parse(data)
	if err != nil {
		log.WithError(err).Warn("registry returned malformed document")
		record(func(r *SyncReport) { fail(&r.Rejected, r, err) })
		return
	}

	res, err := s.submitter.SubmitInvoice(ctx, raw, consignment.SourceRegistry)
	switch {
	case res.Rejected():
		record(func(r *SyncReport) { fail(&r.Rejected, r, err) })
	case err != nil:
		log.WithError(err).Error("failed to submit invoice")
		record(func(r *SyncReport) { fail(&r.Failed, r, err) })
	case res.Duplicate():
		record(func(r *SyncReport) { r.Duplicate++ })
	default:
		record(func(r *SyncReport) { r.Applied++ })
	}
}
