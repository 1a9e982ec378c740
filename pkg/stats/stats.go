package stats

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

const (
	// MetricErrors collects the distinct error codes seen for a group
	MetricErrors = "errors"
	// MetricSkippedRegions collects the regions that were only partially synced
	MetricSkippedRegions = "skipped regions"
)

// ErrUnknownGroup is returned when exporting a group nothing was recorded for
var ErrUnknownGroup = errors.New("unknown stats group")

type record struct {
	errors  map[string]struct{}
	skipped map[string]struct{}
	values  map[string]any
}

func newRecord() *record {
	return &record{
		errors:  map[string]struct{}{},
		skipped: map[string]struct{}{},
		values:  map[string]any{},
	}
}

func (r *record) export() map[string]any {
	out := make(map[string]any, len(r.values)+2)
	for k, v := range r.values {
		out[k] = v
	}
	out[MetricErrors] = sortedKeys(r.errors)
	out[MetricSkippedRegions] = sortedKeys(r.skipped)
	return out
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Aggregator accumulates operational statistics of a single sync run, keyed
// by logical resource group (e.g. "ec2:snapshots"). It is safe for
// concurrent use.
type Aggregator struct {
	mu     sync.Mutex
	groups map[string]*record
}

// New creates an empty Aggregator
func New() *Aggregator {
	return &Aggregator{
		groups: map[string]*record{},
	}
}

// Record stores value for the metric of the given group. The errors and
// skipped regions metrics are sets, every other metric keeps the last value
// written.
func (a *Aggregator) Record(group, metric string, value any) {
	a.mu.Lock()
	defer a.mu.Unlock()

	r, ok := a.groups[group]
	if !ok {
		r = newRecord()
		a.groups[group] = r
	}

	switch metric {
	case MetricErrors:
		r.errors[fmt.Sprint(value)] = struct{}{}
	case MetricSkippedRegions:
		r.skipped[fmt.Sprint(value)] = struct{}{}
	default:
		r.values[metric] = value
	}
}

// Groups returns the names of all groups recorded so far, sorted
func (a *Aggregator) Groups() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	names := make([]string, 0, len(a.groups))
	for name := range a.groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Export returns a copy of all groups with the set metrics flattened to
// sorted lists. The accumulator is left untouched.
func (a *Aggregator) Export() map[string]map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[string]map[string]any, len(a.groups))
	for name, r := range a.groups {
		out[name] = r.export()
	}
	return out
}

// ExportFor is like Export restricted to a single group
func (a *Aggregator) ExportFor(group string) (map[string]any, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	r, ok := a.groups[group]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownGroup, "group %q", group)
	}
	return r.export(), nil
}

// ExportFile writes all groups as indented JSON to path
func (a *Aggregator) ExportFile(path string) error {
	return writeJSON(path, a.Export())
}

// ExportFileFor writes a single group as indented JSON to path
func (a *Aggregator) ExportFileFor(path, group string) error {
	doc, err := a.ExportFor(group)
	if err != nil {
		return err
	}
	return writeJSON(path, doc)
}

func writeJSON(path string, doc any) error {
	data, err := json.MarshalIndent(doc, "", "    ")
	if err != nil {
		return errors.Wrap(err, "marshalling stats")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "writing stats to %s", path)
	}
	return nil
}
