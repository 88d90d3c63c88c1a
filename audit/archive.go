package audit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/justapithecus/lode/lode"

	"github.com/pithecene-io/mrci/metrics"
)

// DefaultDataset is the dataset id used when none is configured.
const DefaultDataset = "mrci_audit"

// ErrNoRecords is returned when a query finds nothing.
var ErrNoRecords = errors.New("no audit records found")

// Writer persists batches of records.
type Writer interface {
	Write(ctx context.Context, records []Record) error
}

// Archive is a lode-backed audit dataset.
// Uses lode's HiveLayout with partition keys: day/event_type.
type Archive struct {
	dataset lode.Dataset
	name    string
	backend string
}

func newDataset(name string, factory lode.StoreFactory) (lode.Dataset, error) {
	return lode.NewDataset(
		lode.DatasetID(name),
		factory,
		lode.WithHiveLayout("day", "event_type"),
		lode.WithCodec(lode.NewJSONLCodec()),
	)
}

// NewFS creates an archive with filesystem storage under root.
func NewFS(dataset, root string) (*Archive, error) {
	a, err := NewWithFactory(dataset, lode.NewFSFactory(root))
	if err != nil {
		return nil, err
	}
	a.backend = "fs"
	return a, nil
}

// NewWithFactory creates an archive over a custom store factory.
// Use lode.NewMemoryFactory() for testing.
func NewWithFactory(dataset string, factory lode.StoreFactory) (*Archive, error) {
	if dataset == "" {
		dataset = DefaultDataset
	}
	ds, err := newDataset(dataset, factory)
	if err != nil {
		return nil, storageErr("init", dataset, err)
	}
	return &Archive{dataset: ds, name: dataset, backend: "custom"}, nil
}

// Backend names the storage backend ("fs", "s3" or "custom").
func (a *Archive) Backend() string { return a.backend }

// Write appends a batch of records as one snapshot.
func (a *Archive) Write(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	items := make([]any, 0, len(records))
	for _, r := range records {
		items = append(items, r.toMap())
	}
	if _, err := a.dataset.Write(ctx, items, lode.Metadata{}); err != nil {
		return storageErr("write", a.name, err)
	}
	return nil
}

// Recent returns up to limit records, newest first. A non-empty kind
// filters by event type; a non-empty session filters by session id.
func (a *Archive) Recent(ctx context.Context, limit int, kind Kind, session string) ([]Record, error) {
	snapshots, err := a.dataset.Snapshots(ctx)
	if err != nil {
		return nil, storageErr("read", a.name, err)
	}

	var out []Record
	// Snapshots are ordered by creation time; walk them latest first.
	for i := len(snapshots) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		snap := snapshots[i]
		if kind != "" && !snapshotHas(snap, "event_type", string(kind)) {
			continue
		}
		data, err := a.dataset.Read(ctx, snap.ID)
		if err != nil {
			return nil, storageErr("read", fmt.Sprintf("%s@%s", a.name, snap.ID), err)
		}
		batch := make([]Record, 0, len(data))
		for _, item := range data {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			r, ok := fromMap(m)
			if !ok {
				continue
			}
			if kind != "" && r.Kind != kind {
				continue
			}
			if session != "" && r.SessionID != session {
				continue
			}
			batch = append(batch, r)
		}
		sort.SliceStable(batch, func(i, j int) bool { return batch[i].At.After(batch[j].At) })
		out = append(out, batch...)
	}
	if len(out) == 0 {
		return nil, ErrNoRecords
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// snapshotHas checks whether any file of a snapshot lives in the given
// key=value partition. Segments are matched exactly.
func snapshotHas(snap *lode.DatasetSnapshot, key, value string) bool {
	if snap == nil || snap.Manifest == nil {
		return false
	}
	segment := key + "=" + value
	for _, f := range snap.Manifest.Files {
		for _, part := range strings.Split(f.Path, "/") {
			if part == segment {
				return true
			}
		}
	}
	return false
}

// Verify Archive implements Writer.
var _ Writer = (*Archive)(nil)

// Recorder accepts single records. Both Buffer and the strict recorder
// returned by Strict implement it.
type Recorder interface {
	Record(ctx context.Context, r Record) error
}

type strict struct {
	w       Writer
	metrics *metrics.Collector
}

// Strict returns a Recorder that writes every record through to w as its
// own batch. m may be nil.
func Strict(w Writer, m *metrics.Collector) Recorder {
	return &strict{w: w, metrics: m}
}

func (s *strict) Record(ctx context.Context, r Record) error {
	if err := s.w.Write(ctx, []Record{r}); err != nil {
		s.metrics.IncAuditWriteFailure()
		return err
	}
	s.metrics.IncAuditWriteSuccess()
	return nil
}

var (
	_ Recorder = (*strict)(nil)
	_ Recorder = (*Buffer)(nil)
)
