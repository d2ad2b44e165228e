package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"cryptkeeper/internal/entry"
	logx "cryptkeeper/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.snapshot.json (periodic snapshot)
//   - <prefix>.journal.jsonl (append-only journal)
//
// Every mutation is appended to the journal before it becomes visible. The
// journal is compacted into the snapshot every compactEvery writes, once the
// write is applied, and on Close.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journal      *os.File

	state  fileState
	writes int
}

const compactEvery = 256

type fileState struct {
	Items  map[entry.Kind]map[string]fileItem `json:"items"`
	Events []int64                             `json:"events"` // unix milli, ascending
}

type fileItem struct {
	Title     string `json:"title"`
	Date      string `json:"date"`
	URL       string `json:"url"`
	Author    string `json:"author,omitempty"`
	Secondary string `json:"secondary,omitempty"`
	Created   int64  `json:"created"`
}

type journalOp string

const (
	opInsert    journalOp = "insert"
	opSecondary journalOp = "secondary"
	opEvent     journalOp = "event"
	opPurge     journalOp = "purge"
)

type journalRecord struct {
	Op          journalOp  `json:"op"`
	Kind        entry.Kind `json:"kind,omitempty"`
	Fingerprint string     `json:"fp,omitempty"`
	Item        *fileItem  `json:"item,omitempty"`
	Value       string     `json:"value,omitempty"`
	At          int64      `json:"at,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	st := newFileState()
	if err := loadSnapshot(snapPath, &st); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err := replayJournal(journalPath, &st); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	log.Debug("file store ready", logx.String("snapshot", snapPath))
	return &fileStore{
		log:          log,
		snapshotPath: snapPath,
		journal:      jf,
		state:        st,
	}, nil
}

func newFileState() fileState {
	return fileState{Items: map[entry.Kind]map[string]fileItem{
		entry.KindNews:    {},
		entry.KindRelease: {},
	}}
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.compactLocked()
	if cerr := s.journal.Close(); err == nil {
		err = cerr
	}
	s.journal = nil
	return err
}

func (s *fileStore) items(kind entry.Kind) (map[string]fileItem, error) {
	if _, err := tableFor(kind); err != nil {
		return nil, err
	}
	m := s.state.Items[kind]
	if m == nil {
		m = map[string]fileItem{}
		s.state.Items[kind] = m
	}
	return m, nil
}

func (s *fileStore) Exists(ctx context.Context, kind entry.Kind, fingerprint string) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.items(kind)
	if err != nil {
		return false, err
	}
	_, ok := m[fingerprint]
	return ok, nil
}

func (s *fileStore) HasSecondary(ctx context.Context, kind entry.Kind, fingerprint string) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.items(kind)
	if err != nil {
		return false, err
	}
	it, ok := m[fingerprint]
	return ok && strings.TrimSpace(it.Secondary) != "", nil
}

func (s *fileStore) Insert(ctx context.Context, e entry.Entry) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.items(e.Kind)
	if err != nil {
		return false, err
	}
	if _, ok := m[e.Fingerprint]; ok {
		return false, nil
	}
	it := fileItem{
		Title:     e.Title,
		Date:      e.Date,
		URL:       e.URL,
		Author:    e.Author,
		Secondary: strings.TrimSpace(e.Secondary),
		Created:   time.Now().UnixMilli(),
	}
	if err := s.appendLocked(journalRecord{Op: opInsert, Kind: e.Kind, Fingerprint: e.Fingerprint, Item: &it}); err != nil {
		return false, err
	}
	m[e.Fingerprint] = it
	s.maybeCompactLocked()
	return true, nil
}

func (s *fileStore) SetSecondary(ctx context.Context, kind entry.Kind, fingerprint, value string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.items(kind)
	if err != nil {
		return err
	}
	it, ok := m[fingerprint]
	if !ok {
		return nil
	}
	value = strings.TrimSpace(value)
	if err := s.appendLocked(journalRecord{Op: opSecondary, Kind: kind, Fingerprint: fingerprint, Value: value}); err != nil {
		return err
	}
	it.Secondary = value
	m[fingerprint] = it
	s.maybeCompactLocked()
	return nil
}

func (s *fileStore) Get(ctx context.Context, kind entry.Kind, fingerprint string) (entry.Entry, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.items(kind)
	if err != nil {
		return entry.Entry{}, false, err
	}
	it, ok := m[fingerprint]
	if !ok {
		return entry.Entry{}, false, nil
	}
	return entry.Entry{
		Kind:        kind,
		Title:       it.Title,
		Date:        it.Date,
		URL:         it.URL,
		Author:      it.Author,
		Fingerprint: fingerprint,
		Secondary:   it.Secondary,
	}, true, nil
}

func (s *fileStore) Count(ctx context.Context, kind entry.Kind) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.items(kind)
	if err != nil {
		return 0, err
	}
	return len(m), nil
}

func (s *fileStore) RecordEvent(ctx context.Context, at time.Time) error {
	_ = ctx
	if at.IsZero() {
		at = time.Now()
	}
	ms := at.UnixMilli()
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(journalRecord{Op: opEvent, At: ms}); err != nil {
		return err
	}
	s.state.addEvent(ms)
	s.maybeCompactLocked()
	return nil
}

func (s *fileStore) CountEventsSince(ctx context.Context, since time.Time) (int, error) {
	_ = ctx
	cut := since.UnixMilli()
	s.mu.Lock()
	defer s.mu.Unlock()
	ev := s.state.Events
	i := sort.Search(len(ev), func(i int) bool { return ev[i] > cut })
	return len(ev) - i, nil
}

func (s *fileStore) PurgeEventsBefore(ctx context.Context, before time.Time) (int64, error) {
	_ = ctx
	cut := before.UnixMilli()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.state.countPurgeable(cut)
	if n == 0 {
		return 0, nil
	}
	if err := s.appendLocked(journalRecord{Op: opPurge, At: cut}); err != nil {
		return 0, err
	}
	s.state.purge(cut)
	s.maybeCompactLocked()
	return int64(n), nil
}

func (st *fileState) addEvent(ms int64) {
	i := sort.Search(len(st.Events), func(i int) bool { return st.Events[i] > ms })
	st.Events = append(st.Events, 0)
	copy(st.Events[i+1:], st.Events[i:])
	st.Events[i] = ms
}

func (st *fileState) countPurgeable(cut int64) int {
	return sort.Search(len(st.Events), func(i int) bool { return st.Events[i] > cut })
}

func (st *fileState) purge(cut int64) {
	n := st.countPurgeable(cut)
	st.Events = append([]int64(nil), st.Events[n:]...)
}

func (st *fileState) apply(r journalRecord) {
	switch r.Op {
	case opInsert:
		m := st.Items[r.Kind]
		if m == nil || r.Item == nil {
			return
		}
		if _, ok := m[r.Fingerprint]; !ok {
			m[r.Fingerprint] = *r.Item
		}
	case opSecondary:
		m := st.Items[r.Kind]
		if it, ok := m[r.Fingerprint]; ok {
			it.Secondary = r.Value
			m[r.Fingerprint] = it
		}
	case opEvent:
		st.addEvent(r.At)
	case opPurge:
		st.purge(r.At)
	}
}

func (s *fileStore) appendLocked(r journalRecord) error {
	if s.journal == nil {
		return errors.New("journal closed")
	}
	if err := json.NewEncoder(s.journal).Encode(r); err != nil {
		return err
	}
	s.writes++
	return nil
}

// maybeCompactLocked must run after the mutation is applied to s.state, or
// the snapshot would miss the record the truncated journal held.
func (s *fileStore) maybeCompactLocked() {
	if s.writes == 0 || s.writes%compactEvery != 0 {
		return
	}
	// Best-effort compact.
	if err := s.compactLocked(); err != nil {
		s.log.Debug("journal compact failed", logx.Err(err))
	}
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.state); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func loadSnapshot(path string, out *fileState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var st fileState
	if err := json.NewDecoder(f).Decode(&st); err != nil {
		return err
	}
	for kind, m := range st.Items {
		if _, ok := out.Items[kind]; !ok {
			continue
		}
		for fp, it := range m {
			out.Items[kind][fp] = it
		}
	}
	out.Events = append(out.Events, st.Events...)
	sort.Slice(out.Events, func(i, j int) bool { return out.Events[i] < out.Events[j] })
	return nil
}

// replayJournal applies journal records over the snapshot. A torn final line
// from a crash is skipped.
func replayJournal(path string, out *fileState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		out.apply(r)
	}
	return sc.Err()
}
