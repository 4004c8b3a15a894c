// Package catalog loads report configurations from YAML files, one report
// per file.
package catalog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/odyssey-erp/ledger-reports/internal/reporting"
	"github.com/odyssey-erp/ledger-reports/internal/reporting/aggregation"
)

// ErrReportNotFound is returned for unknown report codes or ids.
var ErrReportNotFound = errors.New("catalog: report not found")

// Catalog indexes validated reports by code and id.
type Catalog struct {
	mu     sync.RWMutex
	byCode map[string]*reporting.Report
	byID   map[int64]*reporting.Report
}

// Load reads every *.yaml and *.yml file of dir.
func Load(dir string) (*Catalog, error) {
	return LoadFS(os.DirFS(dir), ".")
}

// LoadFS reads every report file of dir in fsys.
func LoadFS(fsys fs.FS, dir string) (*Catalog, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", dir, err)
	}
	reports := make([]*reporting.Report, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !(strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")) {
			continue
		}
		raw, err := fs.ReadFile(fsys, path.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("catalog: read %s: %w", name, err)
		}
		report, err := Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("catalog: %s: %w", name, err)
		}
		reports = append(reports, report)
	}
	return New(reports...)
}

// Parse decodes one report document. Unknown keys are rejected.
func Parse(raw []byte) (*reporting.Report, error) {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	var report reporting.Report
	if err := dec.Decode(&report); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return &report, nil
}

// New validates reports and indexes them. Codes and ids must be unique and
// every cross_report reference must name a report of the catalog.
func New(reports ...*reporting.Report) (*Catalog, error) {
	c := &Catalog{
		byCode: make(map[string]*reporting.Report, len(reports)),
		byID:   make(map[int64]*reporting.Report, len(reports)),
	}
	for _, r := range reports {
		if r.Code == "" {
			return nil, &reporting.ConfigurationError{Reason: fmt.Sprintf("report %d has no code", r.ID)}
		}
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("report %s: %w", r.Code, err)
		}
		if _, dup := c.byCode[r.Code]; dup {
			return nil, &reporting.ConfigurationError{Reason: fmt.Sprintf("duplicate report code %q", r.Code)}
		}
		if _, dup := c.byID[r.ID]; dup {
			return nil, &reporting.ConfigurationError{Reason: fmt.Sprintf("duplicate report id %d", r.ID)}
		}
		c.byCode[r.Code] = r
		c.byID[r.ID] = r
	}
	for _, r := range reports {
		for _, code := range aggregation.CrossReports(r.Expressions()) {
			if _, ok := c.byCode[code]; !ok {
				return nil, &reporting.ConfigurationError{Reason: fmt.Sprintf("report %s references unknown report %q", r.Code, code)}
			}
		}
	}
	return c, nil
}

// Report implements evaluator.ReportSource.
func (c *Catalog) Report(_ context.Context, code string) (*reporting.Report, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.byCode[code]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrReportNotFound, code)
	}
	return r, nil
}

// ByID looks a report up by id.
func (c *Catalog) ByID(id int64) (*reporting.Report, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrReportNotFound, id)
	}
	return r, nil
}

// Codes lists report codes in order.
func (c *Catalog) Codes() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.byCode))
	for code := range c.byCode {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}

// Attach installs the capability of a report, typically custom engines or
// dynamic lines registered at startup.
func (c *Catalog) Attach(code string, capability reporting.Capability) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.byCode[code]
	if !ok {
		return fmt.Errorf("%w: %s", ErrReportNotFound, code)
	}
	r.Capability = capability
	return nil
}
