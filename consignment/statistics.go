/*
statistics.go - Invoice statistics and position search

PURPOSE:
  Read-only views for the operator frontend: how many applied invoices
  per movement kind and per month, which clients move the most material,
  and autocomplete over the clients and products that have a position.

COUNTING:
  Only applied representations are counted, so a document resubmitted
  from another source is counted once. An invoice mixing kinds counts
  once under each of its kinds.
*/
package consignment

import (
	"context"
	"sort"
	"strings"
	"time"
	"unicode"
)

const (
	statisticsMonths = 12
	topClients       = 10

	// MinSearchLength is the shortest term a search answers.
	MinSearchLength = 2
	searchLimit     = 10
)

type KindCount struct {
	Kind     MovementKind `json:"kind"`
	Invoices int          `json:"invoices"`
}

type MonthCount struct {
	Month    string `json:"month"` // YYYY-MM
	Invoices int    `json:"invoices"`
}

type ClientCount struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Invoices int    `json:"invoices"`
}

// Statistics summarizes applied invoices.
type Statistics struct {
	ByKind      []KindCount   `json:"by_kind"`
	ByMonth     []MonthCount  `json:"by_month"`
	TopClients  []ClientCount `json:"top_clients"`
	GeneratedAt time.Time     `json:"generated_at"`
}

// Statistics counts applied invoices by kind, by issue month over the
// last twelve months (current month included), and the ten clients with
// the most invoices.
func (e *Engine) Statistics(ctx context.Context) (Statistics, error) {
	now := e.opts.now().UTC()
	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, -(statisticsMonths - 1), 0)

	byKind := make(map[MovementKind]int)
	byMonth := make(map[string]int)
	clients := make(map[string]*ClientCount)

	filter := InvoiceFilter{Status: StatusApplied}
	page := Page{Number: 1, Size: MaxPageSize}
	for {
		invs, total, err := e.store.ListInvoices(ctx, filter, page)
		if err != nil {
			return Statistics{}, err
		}
		for _, inv := range invs {
			for _, k := range inv.Kinds() {
				byKind[k]++
			}
			if !inv.IssuedAt.Before(first) {
				byMonth[inv.IssuedAt.UTC().Format("2006-01")]++
			}
			c, ok := clients[inv.RecipientID]
			if !ok {
				c = &ClientCount{ID: inv.RecipientID}
				clients[inv.RecipientID] = c
			}
			c.Invoices++
			if c.Name == "" {
				c.Name = inv.RecipientName
			}
		}
		if len(invs) == 0 || page.Number*page.Size >= total {
			break
		}
		page.Number++
	}

	stats := Statistics{
		ByKind:      []KindCount{},
		ByMonth:     []MonthCount{},
		TopClients:  []ClientCount{},
		GeneratedAt: now,
	}
	for k, n := range byKind {
		stats.ByKind = append(stats.ByKind, KindCount{Kind: k, Invoices: n})
	}
	sort.Slice(stats.ByKind, func(i, j int) bool { return stats.ByKind[i].Kind < stats.ByKind[j].Kind })

	for m, n := range byMonth {
		stats.ByMonth = append(stats.ByMonth, MonthCount{Month: m, Invoices: n})
	}
	sort.Slice(stats.ByMonth, func(i, j int) bool { return stats.ByMonth[i].Month < stats.ByMonth[j].Month })

	for _, c := range clients {
		stats.TopClients = append(stats.TopClients, *c)
	}
	sort.Slice(stats.TopClients, func(i, j int) bool {
		a, b := stats.TopClients[i], stats.TopClients[j]
		if a.Invoices != b.Invoices {
			return a.Invoices > b.Invoices
		}
		return a.ID < b.ID
	})
	if len(stats.TopClients) > topClients {
		stats.TopClients = stats.TopClients[:topClients]
	}
	return stats, nil
}

// =============================================================================
// SEARCH
// =============================================================================

type ClientMatch struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type ProductMatch struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

// SearchClients finds clients with a position. An all-digit term matches
// inside the CNPJ/CPF, anything else matches inside the name, ignoring
// case. Terms shorter than MinSearchLength match nothing.
func (e *Engine) SearchClients(ctx context.Context, term string) ([]ClientMatch, error) {
	term = strings.TrimSpace(term)
	matches := []ClientMatch{}
	if len(term) < MinSearchLength {
		return matches, nil
	}
	balances, err := e.store.Balances(ctx, BalanceFilter{})
	if err != nil {
		return nil, err
	}

	digits := strings.IndexFunc(term, func(r rune) bool { return !unicode.IsDigit(r) }) < 0
	needle := strings.ToLower(term)
	seen := make(map[string]int)
	for _, b := range balances {
		var hit bool
		if digits {
			hit = strings.Contains(b.Key.Client, term)
		} else {
			hit = strings.Contains(strings.ToLower(b.ClientName), needle)
		}
		if !hit {
			continue
		}
		if i, ok := seen[b.Key.Client]; ok {
			if matches[i].Name == "" {
				matches[i].Name = b.ClientName
			}
			continue
		}
		if len(matches) == searchLimit {
			break
		}
		seen[b.Key.Client] = len(matches)
		matches = append(matches, ClientMatch{ID: b.Key.Client, Name: b.ClientName})
	}
	return matches, nil
}

// SearchProducts finds products with a position whose code or description
// contains the term, ignoring case.
func (e *Engine) SearchProducts(ctx context.Context, term string) ([]ProductMatch, error) {
	term = strings.TrimSpace(term)
	matches := []ProductMatch{}
	if len(term) < MinSearchLength {
		return matches, nil
	}
	balances, err := e.store.Balances(ctx, BalanceFilter{})
	if err != nil {
		return nil, err
	}

	needle := strings.ToLower(term)
	seen := make(map[string]int)
	for _, b := range balances {
		if !strings.Contains(strings.ToLower(b.Key.Product), needle) &&
			!strings.Contains(strings.ToLower(b.Description), needle) {
			continue
		}
		if i, ok := seen[b.Key.Product]; ok {
			if matches[i].Description == "" {
				matches[i].Description = b.Description
			}
			continue
		}
		if len(matches) == searchLimit {
			break
		}
		seen[b.Key.Product] = len(matches)
		matches = append(matches, ProductMatch{Code: b.Key.Product, Description: b.Description})
	}
	return matches, nil
}
