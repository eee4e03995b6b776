package hlssession

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Registry tracks sessions per ContentRef with an explicit lifecycle state.
// Directories under baseDir that it does not know about (for example after a
// restart) are discovered on demand and adopted.
type Registry struct {
	mu      sync.Mutex
	store   Store
	baseDir string
	syncer  *Synchronizer
	log     *slog.Logger
	now     func() time.Time

	removeAll func(string) error
}

// NewRegistry constructs a registry over baseDir with a default in-memory store.
func NewRegistry(baseDir string, syncer *Synchronizer, log *slog.Logger) *Registry {
	return NewRegistryWithStore(baseDir, syncer, log, NewInMemoryStore())
}

// NewRegistryWithStore constructs a registry that uses the given Store.
func NewRegistryWithStore(baseDir string, syncer *Synchronizer, log *slog.Logger, store Store) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		store:     store,
		baseDir:   baseDir,
		syncer:    syncer,
		log:       log,
		now:       time.Now,
		removeAll: os.RemoveAll,
	}
}

// BaseDir returns the directory holding all session directories.
func (r *Registry) BaseDir() string { return r.baseDir }

// SessionDir returns the deterministic directory for a session.
func (r *Registry) SessionDir(ref ContentRef, sessionID string) string {
	return filepath.Join(r.baseDir, ref.Key()+"_"+sessionID)
}

// parseSessionDirName reverses SessionDir. Content ids never contain '_'.
func parseSessionDirName(name string) (ContentRef, string, bool) {
	parts := strings.Split(name, "_")
	if len(parts) != 3 || !contentIDPattern.MatchString(parts[0]) {
		return ContentRef{}, "", false
	}
	idx, err := strconv.Atoi(parts[1])
	if err != nil || idx < 0 {
		return ContentRef{}, "", false
	}
	if _, err := uuid.Parse(parts[2]); err != nil {
		return ContentRef{}, "", false
	}
	return ContentRef{ContentID: parts[0], SubStreamIndex: idx}, parts[2], true
}

// FindActive returns a reusable session for ref together with its current
// playlist. Tracked sessions are judged by state; sessions without a
// supervised process fall back to the freshness heuristic.
func (r *Registry) FindActive(ref ContentRef) (Snapshot, *Playlist, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for _, s := range r.store.ByRef(ref) {
		if pl, ok := r.checkLocked(s); ok {
			s.LastAccess = now
			return s.snapshot(), pl, true
		}
	}
	return r.discoverLocked(ref, now)
}

func (r *Registry) checkLocked(s *Session) (*Playlist, bool) {
	if s.State == StateStarting || s.State == StateDead {
		return nil, false
	}
	pl, err := readPlaylist(s.Dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.State = StateDead
		}
		return nil, false
	}
	switch {
	case pl.Ended:
		s.State = StateComplete
		return pl, true
	case s.State == StateComplete, s.proc != nil:
		return pl, true
	case r.syncer.activePlaylist(pl):
		return pl, true
	}
	s.State = StateDead
	return nil, false
}

// discoverLocked scans baseDir for directories of ref not yet in the store
// and adopts the newest active one.
func (r *Registry) discoverLocked(ref ContentRef, now time.Time) (Snapshot, *Playlist, bool) {
	entries, err := os.ReadDir(r.baseDir)
	if err != nil {
		return Snapshot{}, nil, false
	}

	var (
		bestID string
		bestPL *Playlist
	)
	prefix := ref.Key() + "_"
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		dref, id, ok := parseSessionDirName(e.Name())
		if !ok || dref != ref {
			continue
		}
		if _, known := r.store.Get(id); known {
			continue
		}
		dir := filepath.Join(r.baseDir, e.Name())
		if wasStopped(dir) {
			continue
		}
		pl, err := readPlaylist(dir)
		if err != nil || !r.syncer.activePlaylist(pl) {
			continue
		}
		if bestPL == nil || pl.ModTime.After(bestPL.ModTime) {
			bestID, bestPL = id, pl
		}
	}
	if bestPL == nil {
		return Snapshot{}, nil, false
	}

	state := StateActive
	if bestPL.Ended {
		state = StateComplete
	}
	s := &Session{
		ID:         bestID,
		Ref:        ref,
		Dir:        r.SessionDir(ref, bestID),
		CreatedAt:  bestPL.ModTime,
		State:      state,
		LastAccess: now,
	}
	r.store.Put(s)
	r.log.Info("adopted session from disk",
		slog.String("content_id", ref.ContentID),
		slog.Int("sub_stream_index", ref.SubStreamIndex),
		slog.String("session_id", bestID),
		slog.String("state", state.String()))
	return s.snapshot(), bestPL, true
}

// StartNew allocates a session id and an empty directory for ref. Dead
// sessions and inactive directories of the same ref are purged; their
// directories are deleted after the lock is released.
func (r *Registry) StartNew(ref ContentRef, strategy EncodeStrategy) (Snapshot, error) {
	id := uuid.NewString()
	dir := r.SessionDir(ref, id)

	r.mu.Lock()
	doomed := r.purgeSiblingsLocked(ref)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		r.mu.Unlock()
		r.removeDirs(doomed)
		return Snapshot{}, fmt.Errorf("create session dir: %w", err)
	}
	now := r.now()
	s := &Session{
		ID:         id,
		Ref:        ref,
		Dir:        dir,
		CreatedAt:  now,
		Strategy:   strategy,
		State:      StateStarting,
		LastAccess: now,
	}
	r.store.Put(s)
	snap := s.snapshot()
	r.mu.Unlock()

	r.removeDirs(doomed)
	return snap, nil
}

// purgeSiblingsLocked forgets Dead sessions of ref and returns their
// directories together with inactive untracked ones.
func (r *Registry) purgeSiblingsLocked(ref ContentRef) []string {
	var doomed []string
	for _, s := range r.store.ByRef(ref) {
		if s.State != StateDead || !processGone(s.proc) {
			continue
		}
		r.store.Delete(s.ID)
		doomed = append(doomed, s.Dir)
	}

	entries, err := os.ReadDir(r.baseDir)
	if err != nil {
		return doomed
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dref, id, ok := parseSessionDirName(e.Name())
		if !ok || dref != ref {
			continue
		}
		if _, known := r.store.Get(id); known {
			continue
		}
		dir := filepath.Join(r.baseDir, e.Name())
		if wasStopped(dir) || !r.syncer.IsActive(dir) {
			doomed = append(doomed, dir)
		}
	}
	return doomed
}

// removeDirs deletes session directories without holding r.mu; they can be
// large. It returns the directories actually removed.
func (r *Registry) removeDirs(dirs []string) []string {
	removed := dirs[:0:0]
	for _, dir := range dirs {
		if err := r.removeAll(dir); err != nil {
			r.log.Warn("remove session dir failed", slog.String("dir", dir), slog.String("error", err.Error()))
			continue
		}
		r.log.Debug("session dir removed", slog.String("dir", dir))
		removed = append(removed, dir)
	}
	return removed
}

func wasStopped(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, stoppedMarker))
	return err == nil
}

func processGone(p Process) bool {
	if p == nil {
		return true
	}
	select {
	case <-p.Done():
		return true
	default:
		return false
	}
}

// Attach links a started transcoder to its session.
func (r *Registry) Attach(id string, p Process) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.store.Get(id); ok {
		s.proc = p
	}
}

// MarkReady moves a starting session to Active, or Complete if pl ended.
func (r *Registry) MarkReady(id string, pl *Playlist) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.store.Get(id)
	if !ok || s.State != StateStarting {
		return
	}
	s.State = StateActive
	if pl != nil && pl.Ended {
		s.State = StateComplete
	}
}

// MarkDead makes a session ineligible for reuse. Call it before stopping the
// session's transcoder so the playlist ffmpeg finalizes on exit is not taken
// for a complete one.
func (r *Registry) MarkDead(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.store.Get(id)
	if !ok || s.State == StateComplete {
		return
	}
	s.State = StateDead
	if err := os.WriteFile(filepath.Join(s.Dir, stoppedMarker), nil, 0o644); err != nil && !errors.Is(err, os.ErrNotExist) {
		r.log.Warn("write stop marker failed", slog.String("session_id", id), slog.String("error", err.Error()))
	}
}

// ProcessExited records the end of a session's transcoder. A playlist with
// the end-list marker makes the session Complete whatever the exit status;
// without it the session is Dead. Sessions already marked Dead stay Dead.
func (r *Registry) ProcessExited(id string, exitErr error) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.store.Get(id)
	if !ok {
		return StateDead
	}
	if s.State == StateDead {
		return s.State
	}
	if pl, err := readPlaylist(s.Dir); err == nil && pl.Ended {
		if exitErr != nil {
			r.log.Info("transcoder exited with error after finishing playlist",
				slog.String("session_id", id), slog.String("error", exitErr.Error()))
		}
		s.State = StateComplete
	} else if s.State != StateComplete {
		s.State = StateDead
	}
	return s.State
}

// Get returns a snapshot of the session with the given id.
func (r *Registry) Get(id string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.store.Get(id)
	if !ok {
		return Snapshot{}, false
	}
	return s.snapshot(), true
}

// SegmentPath resolves a segment file of a session. Sessions are located by
// their deterministic directory, so files stay reachable for sessions the
// registry no longer tracks.
func (r *Registry) SegmentPath(ref ContentRef, sessionID, file string) (string, error) {
	if !validSegmentName(file) {
		return "", ErrInvalidFile
	}
	if _, err := uuid.Parse(sessionID); err != nil {
		return "", ErrSessionNotFound
	}
	dir := r.SessionDir(ref, sessionID)
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		return "", ErrSessionNotFound
	}

	r.mu.Lock()
	if s, ok := r.store.Get(sessionID); ok {
		s.LastAccess = r.now()
	}
	r.mu.Unlock()

	return filepath.Join(dir, file), nil
}

// ActiveCount returns the number of sessions starting or producing segments.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.store.All() {
		if s.State == StateStarting || s.State == StateActive {
			n++
		}
	}
	return n
}

// List returns snapshots of all known sessions, oldest first.
func (r *Registry) List() []Snapshot {
	r.mu.Lock()
	all := r.store.All()
	out := make([]Snapshot, 0, len(all))
	for _, s := range all {
		out = append(out, s.snapshot())
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

type stalledSession struct {
	id   string
	dir  string
	proc Process
}

// stalled returns tracked Active sessions whose playlist has not changed for
// longer than limit. Sessions found to be ended are marked Complete.
func (r *Registry) stalled(limit time.Duration) []stalledSession {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var out []stalledSession
	for _, s := range r.store.All() {
		if s.State != StateActive || s.proc == nil {
			continue
		}
		pl, err := readPlaylist(s.Dir)
		if err != nil {
			continue
		}
		if pl.Ended {
			s.State = StateComplete
			continue
		}
		if now.Sub(pl.ModTime) > limit {
			out = append(out, stalledSession{id: s.ID, dir: s.Dir, proc: s.proc})
		}
	}
	return out
}

// reap removes directories of sessions that are not in progress and have
// seen no activity for longer than retention. It returns the removed dirs.
func (r *Registry) reap(retention time.Duration) []string {
	r.mu.Lock()
	doomed := r.reapLocked(retention)
	r.mu.Unlock()
	return r.removeDirs(doomed)
}

func (r *Registry) reapLocked(retention time.Duration) []string {
	now := r.now()
	var doomed []string

	for _, s := range r.store.All() {
		if s.State == StateStarting || s.State == StateActive || !processGone(s.proc) {
			continue
		}
		last := s.LastAccess
		if mt := dirActivity(s.Dir); mt.After(last) {
			last = mt
		}
		if now.Sub(last) > retention {
			r.store.Delete(s.ID)
			doomed = append(doomed, s.Dir)
		}
	}

	entries, err := os.ReadDir(r.baseDir)
	if err != nil {
		return doomed
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		_, id, ok := parseSessionDirName(e.Name())
		if !ok {
			continue
		}
		if _, known := r.store.Get(id); known {
			continue
		}
		dir := filepath.Join(r.baseDir, e.Name())
		if pl, err := readPlaylist(dir); err == nil && !pl.Ended && r.syncer.activePlaylist(pl) {
			continue
		}
		if now.Sub(dirActivity(dir)) > retention {
			doomed = append(doomed, dir)
		}
	}
	return doomed
}

// dirActivity is the playlist mtime, or the directory mtime when there is
// no playlist yet.
func dirActivity(dir string) time.Time {
	if fi, err := os.Stat(filepath.Join(dir, playlistName)); err == nil {
		return fi.ModTime()
	}
	if fi, err := os.Stat(dir); err == nil {
		return fi.ModTime()
	}
	return time.Time{}
}
