// Package local implements the tracker interfaces without a code host. Records
// and patches live in memory and, when a path is given, in a YAML file.
package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"shipwright/pkg/plan"
	"shipwright/pkg/tracker"
)

// Record is a locally stored tracking record.
type Record struct {
	Title    string   `yaml:"title"`
	Body     string   `yaml:"body"`
	Comments []string `yaml:"comments,omitempty"`
	ID       int      `yaml:"id"`
}

// PatchRecord is a locally stored patch.
type PatchRecord struct {
	Title    string `yaml:"title"`
	Body     string `yaml:"body"`
	Head     string `yaml:"head"`
	Base     string `yaml:"base"`
	URL      string `yaml:"url"`
	Number   int    `yaml:"number"`
	RecordID int    `yaml:"record_id,omitempty"`
	Draft    bool   `yaml:"draft"`
}

type snapshot struct {
	Records []*Record      `yaml:"records"`
	Patches []*PatchRecord `yaml:"patches"`
}

// Store implements tracker.Tracker locally.
type Store struct {
	records map[int]*Record
	patches map[int]*PatchRecord
	path    string
	mu      sync.Mutex
}

// NewStore creates a store. An empty path keeps everything in memory.
func NewStore(path string) (*Store, error) {
	s := &Store{records: map[int]*Record{}, patches: map[int]*PatchRecord{}, path: path}
	if path == "" {
		return s, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read tracker file: %w", err)
	}
	var snap snapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode tracker file: %w", err)
	}
	for _, r := range snap.Records {
		s.records[r.ID] = r
	}
	for _, p := range snap.Patches {
		s.patches[p.Number] = p
	}
	return s, nil
}

// CreateRecord stores a new record.
func (s *Store) CreateRecord(_ context.Context, title, body string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := len(s.records) + 1
	s.records[id] = &Record{ID: id, Title: title, Body: body}
	return id, s.flush()
}

// AppendComment adds a comment to a record.
func (s *Store) AppendComment(_ context.Context, id int, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok {
		return fmt.Errorf("record %d: %w", id, tracker.ErrRecordNotFound)
	}
	r.Comments = append(r.Comments, body)
	return s.flush()
}

// ReadPlan extracts the plan embedded in the record body.
func (s *Store) ReadPlan(_ context.Context, id int) (*plan.TaskPlan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("record %d: %w", id, tracker.ErrRecordNotFound)
	}
	p, found, err := plan.Extract(r.Body)
	if err != nil || !found {
		return nil, err
	}
	return p, nil
}

// WritePlan embeds plan into the record body.
func (s *Store) WritePlan(_ context.Context, id int, p *plan.TaskPlan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok {
		return fmt.Errorf("record %d: %w", id, tracker.ErrRecordNotFound)
	}
	body, err := plan.Embed(r.Body, p)
	if err != nil {
		return err
	}
	r.Body = body
	return s.flush()
}

// CreatePatch stores a new patch.
func (s *Store) CreatePatch(_ context.Context, req tracker.PatchRequest) (tracker.Patch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	number := len(s.patches) + 1
	p := &PatchRecord{
		Number:   number,
		Title:    req.Title,
		Body:     tracker.PatchBody(req.Body, req.RecordID),
		Head:     req.Head,
		Base:     req.Base,
		RecordID: req.RecordID,
		Draft:    req.Draft,
		URL:      fmt.Sprintf("local://patches/%d", number),
	}
	s.patches[number] = p
	return tracker.Patch{URL: p.URL, Number: number}, s.flush()
}

// UpdatePatch rewrites an existing patch and marks it ready.
func (s *Store) UpdatePatch(_ context.Context, number int, req tracker.PatchRequest) (tracker.Patch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.patches[number]
	if !ok {
		return tracker.Patch{}, fmt.Errorf("patch %d: %w", number, tracker.ErrRecordNotFound)
	}
	p.Title = req.Title
	p.Body = tracker.PatchBody(req.Body, req.RecordID)
	p.Draft = req.Draft
	return tracker.Patch{URL: p.URL, Number: number}, s.flush()
}

// Record returns a copy of a stored record.
func (s *Store) Record(id int) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return Record{}, false
	}
	cp := *r
	cp.Comments = append([]string(nil), r.Comments...)
	return cp, true
}

// Patch returns a copy of a stored patch.
func (s *Store) Patch(number int) (PatchRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.patches[number]
	if !ok {
		return PatchRecord{}, false
	}
	return *p, true
}

func (s *Store) flush() error {
	if s.path == "" {
		return nil
	}
	snap := snapshot{}
	for id := 1; id <= len(s.records); id++ {
		snap.Records = append(snap.Records, s.records[id])
	}
	for n := 1; n <= len(s.patches); n++ {
		snap.Patches = append(snap.Patches, s.patches[n])
	}
	data, err := yaml.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode tracker file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create tracker dir: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("write tracker file: %w", err)
	}
	return nil
}

var _ tracker.Tracker = (*Store)(nil)
