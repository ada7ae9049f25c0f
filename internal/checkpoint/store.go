// Package checkpoint persists named models so training can resume after an
// interruption and generation can run without retraining.
//
// Each model owns one directory. Snapshot files hold serialized weights;
// vocab.json and metadata.json are shared by all snapshots of the model;
// manifest.json is the index that decides which snapshots exist. Every file
// is replaced atomically and the manifest is published last.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"

	"nextword/internal/logger"
	"nextword/internal/model"
	"nextword/internal/session"
	"nextword/internal/tokenizer"
)

// ErrCheckpointNotFound means no usable snapshot matched the request.
var ErrCheckpointNotFound = errors.New("checkpoint not found")

const (
	manifestFile = "manifest.json"
	metadataFile = "metadata.json"
	vocabFile    = "vocab.json"
	bestPrefix   = "best_model"
	finalPrefix  = "final_model"
)

var validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidateName rejects model names that are not safe as a directory name.
func ValidateName(name string) error {
	if !validName.MatchString(name) {
		return fmt.Errorf("invalid model name %q: use letters, digits, '.', '_' or '-'", name)
	}
	return nil
}

// Store reads and writes the checkpoints of one model. It is not safe for
// concurrent use; at most one trainer may write a model at a time.
type Store struct {
	name     string
	dir      string
	factory  model.Factory
	manifest *Manifest
	log      *logger.Logger

	// bestVerified is the best snapshot file last known to match its entry.
	bestVerified string
}

// Open prepares the directory root/name and reads its manifest if present.
// factory rebuilds model states on load.
func Open(root, name string, factory model.Factory) (*Store, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint directory %s: %w", dir, err)
	}
	s := &Store{
		name:    name,
		dir:     dir,
		factory: factory,
		log:     logger.Log.With("model", name),
	}
	m, err := readManifest(s.path(manifestFile))
	switch {
	case err == nil:
		s.manifest = m
	case errors.Is(err, os.ErrNotExist):
		s.manifest = newManifest(name)
	default:
		return nil, err
	}
	return s, nil
}

// Name is the model name the store was opened for.
func (s *Store) Name() string { return s.name }

// Dir is the directory holding the model's files.
func (s *Store) Dir() string { return s.dir }

func (s *Store) path(file string) string {
	return filepath.Join(s.dir, file)
}

// Manifest returns a copy of the current index.
func (s *Store) Manifest() *Manifest {
	return s.manifest.clone()
}

// SaveMetadata writes the vocabulary and metadata of sess. It must run
// before the first snapshot of a model.
func (s *Store) SaveMetadata(sess *session.Session) error {
	if err := sess.Validate(); err != nil {
		return err
	}
	if sess.Meta.CreatedAt.IsZero() {
		sess.Meta.CreatedAt = time.Now().UTC()
	}
	sess.Meta.UpdatedAt = time.Now().UTC()

	vocab, err := json.MarshalIndent(sess.Vocab, "", "  ")
	if err != nil {
		return fmt.Errorf("encode vocabulary: %w", err)
	}
	if err := writeFileAtomic(s.path(vocabFile), vocab); err != nil {
		return err
	}
	meta, err := json.MarshalIndent(sess.Meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	return writeFileAtomic(s.path(metadataFile), meta)
}

// SavePeriodic snapshots sess as the state after epoch.
func (s *Store) SavePeriodic(sess *session.Session, epoch int, loss float64) error {
	sess.Meta.LastCompletedEpoch = epoch
	e, err := s.writeSnapshot(sess, KindPeriodic, periodicFile(epoch), epoch, loss)
	if err != nil {
		return err
	}
	next := s.manifest.clone()
	next.putPeriodic(e)
	return s.publish(next)
}

// SaveBest replaces the best snapshot if loss is lower than the best loss
// recorded so far, including by earlier runs. A best snapshot whose file no
// longer matches the manifest is replaced regardless of loss. It reports
// whether it wrote a snapshot.
func (s *Store) SaveBest(sess *session.Session, epoch int, loss float64) (bool, error) {
	if best := s.manifest.Best; best != nil && loss >= best.Loss {
		if s.bestUsable(*best) {
			return false, nil
		}
		s.log.Warn("Best snapshot unusable, replacing it", "file", best.File, "recorded_loss", best.Loss, "loss", loss)
	}
	sess.Meta.BestLoss = &loss
	sess.Meta.BestEpoch = epoch
	old := s.manifest.Best
	e, err := s.writeSnapshot(sess, KindBest, snapshotFile(bestPrefix, epoch, old), epoch, loss)
	if err != nil {
		return false, err
	}
	next := s.manifest.clone()
	next.Best = &e
	if err := s.publish(next); err != nil {
		return false, err
	}
	s.bestVerified = e.File
	s.retire(old)
	return true, nil
}

// SaveFinal writes the end-of-run snapshot with the loss of the weights it
// holds. requested is the epoch target of the run, which may be larger than
// epoch when training stopped early.
func (s *Store) SaveFinal(sess *session.Session, epoch int, loss float64, requested int, earlyStopped bool) error {
	old := s.manifest.Final
	e, err := s.writeSnapshot(sess, KindFinal, snapshotFile(finalPrefix, epoch, old), epoch, loss)
	if err != nil {
		return err
	}
	e.RequestedEpochs = requested
	e.EarlyStopped = earlyStopped
	next := s.manifest.clone()
	next.Final = &e
	if err := s.publish(next); err != nil {
		return err
	}
	s.retire(old)
	return nil
}

// RecordEpoch appends an epoch result to the manifest history.
func (s *Store) RecordEpoch(epoch int, loss float64, improved bool) error {
	next := s.manifest.clone()
	next.record(EpochRecord{Epoch: epoch, Loss: loss, Improved: improved})
	return s.publish(next)
}

// LastCompletedEpoch is the highest periodic snapshot whose file matches
// the size and checksum recorded in the manifest, or 0.
func (s *Store) LastCompletedEpoch() int {
	for i := len(s.manifest.Periodic) - 1; i >= 0; i-- {
		e := s.manifest.Periodic[i]
		if _, err := s.verify(e); err == nil {
			return e.Epoch
		}
	}
	return 0
}

// BestLoss returns the loss of the best snapshot, if one was published.
func (s *Store) BestLoss() (float64, bool) {
	if s.manifest.Best == nil {
		return 0, false
	}
	return s.manifest.Best.Loss, true
}

// Final returns the final snapshot entry if its file matches the manifest.
func (s *Store) Final() (Entry, bool) {
	if s.manifest.Final == nil {
		return Entry{}, false
	}
	if _, err := s.verify(*s.manifest.Final); err != nil {
		return Entry{}, false
	}
	return *s.manifest.Final, true
}

// LoadOptions selects the snapshot Load reads.
type LoadOptions struct {
	// Epoch selects a periodic snapshot. Nil means final, then best, then
	// the highest periodic snapshot.
	Epoch *int
}

// Load rebuilds a session from a snapshot. Snapshots that are missing,
// truncated or fail their checksum are skipped in favor of the next
// candidate.
func (s *Store) Load(ctx context.Context, opts LoadOptions) (*session.Session, Entry, error) {
	var candidates []Entry
	if opts.Epoch != nil {
		e, ok := s.manifest.Lookup(*opts.Epoch)
		if !ok {
			return nil, Entry{}, fmt.Errorf("%w: model %q has no snapshot for epoch %d", ErrCheckpointNotFound, s.name, *opts.Epoch)
		}
		candidates = []Entry{e}
	} else {
		if s.manifest.Final != nil {
			candidates = append(candidates, *s.manifest.Final)
		}
		if s.manifest.Best != nil {
			candidates = append(candidates, *s.manifest.Best)
		}
		candidates = append(candidates, s.periodicDesc()...)
	}
	return s.loadFirst(ctx, candidates)
}

// LoadBest loads the best snapshot only.
func (s *Store) LoadBest(ctx context.Context) (*session.Session, Entry, error) {
	if s.manifest.Best == nil {
		return nil, Entry{}, fmt.Errorf("%w: model %q has no best snapshot", ErrCheckpointNotFound, s.name)
	}
	return s.loadFirst(ctx, []Entry{*s.manifest.Best})
}

// Reset forgets every snapshot of the model so a new run starts from
// scratch. The empty manifest is published before files are removed.
func (s *Store) Reset() error {
	old := s.manifest
	if err := s.publish(newManifest(s.name)); err != nil {
		return err
	}
	s.bestVerified = ""
	files := make([]string, 0, len(old.Periodic)+2)
	for _, e := range old.Periodic {
		files = append(files, e.File)
	}
	if old.Best != nil {
		files = append(files, old.Best.File)
	}
	if old.Final != nil {
		files = append(files, old.Final.File)
	}
	for _, f := range files {
		if err := os.Remove(s.path(f)); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.log.Warn("Could not remove old snapshot", "file", f, "error", err)
		}
	}
	return nil
}

// Resume loads the most recent periodic snapshot for continued training.
func (s *Store) Resume(ctx context.Context) (*session.Session, Entry, error) {
	return s.loadFirst(ctx, s.periodicDesc())
}

func (s *Store) periodicDesc() []Entry {
	out := append([]Entry(nil), s.manifest.Periodic...)
	sort.Slice(out, func(i, j int) bool { return out[i].Epoch > out[j].Epoch })
	return out
}

func (s *Store) loadFirst(ctx context.Context, candidates []Entry) (*session.Session, Entry, error) {
	if len(candidates) == 0 {
		return nil, Entry{}, fmt.Errorf("%w: model %q has no snapshots", ErrCheckpointNotFound, s.name)
	}
	vocab, meta, err := s.readShared()
	if err != nil {
		return nil, Entry{}, fmt.Errorf("%w: model %q: %v", ErrCheckpointNotFound, s.name, err)
	}
	var lastErr error
	for _, e := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, Entry{}, err
		}
		sess, err := s.loadEntry(e, vocab, meta)
		if err != nil {
			if errors.Is(err, session.ErrVocabularyMismatch) {
				return nil, Entry{}, err
			}
			s.log.Warn("Skipping unusable snapshot", "file", e.File, "epoch", e.Epoch, "error", err)
			lastErr = err
			continue
		}
		s.log.Debug("Loaded snapshot", "kind", string(e.Kind), "epoch", e.Epoch, "file", e.File)
		return sess, e, nil
	}
	return nil, Entry{}, fmt.Errorf("%w: model %q: no readable snapshot: %v", ErrCheckpointNotFound, s.name, lastErr)
}

// Metadata reads the stored metadata and vocabulary without loading any
// weights.
func (s *Store) Metadata() (session.Metadata, *tokenizer.Vocabulary, error) {
	vocab, meta, err := s.readShared()
	if errors.Is(err, os.ErrNotExist) {
		return meta, nil, fmt.Errorf("%w: model %q has no metadata", ErrCheckpointNotFound, s.name)
	}
	return meta, vocab, err
}

func (s *Store) readShared() (*tokenizer.Vocabulary, session.Metadata, error) {
	var meta session.Metadata
	data, err := os.ReadFile(s.path(metadataFile))
	if err != nil {
		return nil, meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, meta, fmt.Errorf("decode %s: %w", metadataFile, err)
	}
	data, err = os.ReadFile(s.path(vocabFile))
	if err != nil {
		return nil, meta, err
	}
	vocab := new(tokenizer.Vocabulary)
	if err := json.Unmarshal(data, vocab); err != nil {
		return nil, meta, fmt.Errorf("decode %s: %w", vocabFile, err)
	}
	return vocab, meta, nil
}

func (s *Store) loadEntry(e Entry, vocab *tokenizer.Vocabulary, meta session.Metadata) (*session.Session, error) {
	data, err := s.verify(e)
	if err != nil {
		return nil, err
	}
	st, err := s.factory(meta.Model)
	if err != nil {
		return nil, fmt.Errorf("rebuild model: %w", err)
	}
	if err := st.Deserialize(data); err != nil {
		return nil, fmt.Errorf("restore weights: %w", err)
	}

	meta.LastCompletedEpoch = e.Epoch
	meta.BestLoss, meta.BestEpoch = nil, 0
	if b := s.manifest.Best; b != nil {
		loss := b.Loss
		meta.BestLoss = &loss
		meta.BestEpoch = b.Epoch
	}
	sess := &session.Session{Name: s.name, Model: st, Vocab: vocab, Meta: meta}
	if err := sess.Validate(); err != nil {
		return nil, err
	}
	return sess, nil
}

// writeSnapshot re-publishes metadata, then writes the weights of sess to
// file and returns the entry describing it. The manifest is not touched.
func (s *Store) writeSnapshot(sess *session.Session, kind Kind, file string, epoch int, loss float64) (Entry, error) {
	if err := s.SaveMetadata(sess); err != nil {
		return Entry{}, err
	}
	data, err := sess.Model.Serialize()
	if err != nil {
		return Entry{}, fmt.Errorf("serialize model: %w", err)
	}
	if err := writeFileAtomic(s.path(file), data); err != nil {
		return Entry{}, err
	}
	return Entry{
		Kind:      kind,
		Epoch:     epoch,
		File:      file,
		Loss:      loss,
		Size:      int64(len(data)),
		Checksum:  checksum(data),
		WrittenAt: time.Now().UTC(),
	}, nil
}

func (s *Store) publish(m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := writeFileAtomic(s.path(manifestFile), data); err != nil {
		return err
	}
	s.manifest = m
	return nil
}

// verify reads the file of e and checks it against the recorded size and
// checksum.
func (s *Store) verify(e Entry) ([]byte, error) {
	data, err := os.ReadFile(s.path(e.File))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) != e.Size {
		return nil, fmt.Errorf("size %d, manifest records %d", len(data), e.Size)
	}
	if sum := checksum(data); sum != e.Checksum {
		return nil, fmt.Errorf("checksum %s, manifest records %s", sum, e.Checksum)
	}
	return data, nil
}

func (s *Store) bestUsable(e Entry) bool {
	if s.bestVerified == e.File {
		return true
	}
	if _, err := s.verify(e); err != nil {
		return false
	}
	s.bestVerified = e.File
	return true
}

// retire removes the file of a superseded best or final entry once the
// manifest no longer refers to it.
func (s *Store) retire(old *Entry) {
	if old == nil {
		return
	}
	m := s.manifest
	if (m.Best != nil && m.Best.File == old.File) || (m.Final != nil && m.Final.File == old.File) {
		return
	}
	if err := os.Remove(s.path(old.File)); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.log.Warn("Could not remove superseded snapshot", "file", old.File, "error", err)
	}
}

// snapshotFile names a best or final snapshot. The name never equals the
// file of the entry it replaces, so the previous snapshot stays intact until
// the manifest stops referring to it.
func snapshotFile(prefix string, epoch int, current *Entry) string {
	name := fmt.Sprintf("%s_e%03d.arrow", prefix, epoch)
	if current != nil && current.File == name {
		name = fmt.Sprintf("%s_e%03d_r.arrow", prefix, epoch)
	}
	return name
}

func checksum(data []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(data))
}

// writeFileAtomic writes data to a temporary file next to path, syncs it and
// renames it over path. Readers see either the old or the new content.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temporary file for %s: %w", path, err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return fmt.Errorf("close %s: %w", name, err)
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return fmt.Errorf("rename %s to %s: %w", name, path, err)
	}
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}
