// Package checkpoint provides checkpoint storage adapters.
// Clean Architecture: Adapter implementing ports.CheckpointStore.
package checkpoint

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/0xcro3dile/filing-finetune/internal/domain/entities"
	"github.com/0xcro3dile/filing-finetune/internal/nn"
	"github.com/0xcro3dile/filing-finetune/internal/platform/fsutil"
	"github.com/0xcro3dile/filing-finetune/internal/platform/logger"
)

// Artifact file names inside a checkpoint directory.
const (
	ModelFile     = "rnn_model.json"
	OptimizerFile = "optimizer.json"
	SchedulerFile = "scheduler.json"
	ArgsFile      = "training_args.json"
	ManifestFile  = "manifest.json"
	StepFile      = "global_step.json"

	dirPrefix     = "checkpoint-"
	tmpPrefix     = ".checkpoint-"
	retiredPrefix = ".retired-checkpoint-"
)

// Manifest is written last into every checkpoint. A directory without a
// readable manifest, or whose files do not match it, is corrupt.
type Manifest struct {
	Epoch      int               `json:"epoch"`
	GlobalStep int               `json:"global_step"`
	Files      map[string]string `json:"files"` // name -> sha256
}

type stepRecord struct {
	GlobalStep int `json:"global_step"`
}

// FSStore keeps checkpoints under a run directory:
//
//	<root>/checkpoint-<epoch>/{rnn_model,optimizer,scheduler,training_args,manifest}.json
//	<root>/global_step.json
type FSStore struct {
	mu   sync.Mutex
	root string
	log  *logger.Logger
}

// NewFSStore creates a store rooted at dir. The directory is created on the
// first save.
func NewFSStore(dir string, log *logger.Logger) *FSStore {
	if log == nil {
		log = logger.Discard()
	}
	return &FSStore{root: dir, log: log}
}

// Dir is the directory holding the checkpoint of epoch.
func (s *FSStore) Dir(epoch int) string {
	return filepath.Join(s.root, dirPrefix+strconv.Itoa(epoch))
}

// Save writes ckpt into a hidden temp directory, renames it into place and
// then replaces the global step file. An existing checkpoint of the same
// epoch is moved aside first and removed only once the new one is published.
// A crash at any point leaves either the previous checkpoint set or the new
// one discoverable, never a partial one.
func (s *FSStore) Save(ctx context.Context, ckpt entities.Checkpoint) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.root, 0755); err != nil {
		return "", fmt.Errorf("creating %s: %w", s.root, err)
	}
	s.removeStale()

	tmp, err := os.MkdirTemp(s.root, fmt.Sprintf("%s%d-", tmpPrefix, ckpt.Epoch))
	if err != nil {
		return "", fmt.Errorf("creating temp checkpoint: %w", err)
	}
	defer os.RemoveAll(tmp) // no-op after the rename

	config := ckpt.Config
	if len(config) == 0 {
		config = json.RawMessage("null")
	}
	artifacts := []struct {
		name string
		v    any
	}{
		{ModelFile, ckpt.Weights},
		{OptimizerFile, ckpt.Optimizer},
		{SchedulerFile, ckpt.Scheduler},
		{ArgsFile, config},
	}
	manifest := Manifest{Epoch: ckpt.Epoch, GlobalStep: ckpt.GlobalStep, Files: map[string]string{}}
	for _, a := range artifacts {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		sum, err := writeArtifact(filepath.Join(tmp, a.name), a.v)
		if err != nil {
			return "", err
		}
		manifest.Files[a.name] = sum
	}
	if _, err := writeArtifact(filepath.Join(tmp, ManifestFile), manifest); err != nil {
		return "", err
	}
	_ = fsutil.SyncDir(tmp)

	final := s.Dir(ckpt.Epoch)
	retired := s.retiredDir(ckpt.Epoch)
	replacing := false
	if _, err := os.Stat(final); err == nil {
		if err := os.Rename(final, retired); err != nil {
			return "", fmt.Errorf("retiring %s: %w", final, err)
		}
		replacing = true
	}
	if err := os.Rename(tmp, final); err != nil {
		if replacing {
			if restoreErr := os.Rename(retired, final); restoreErr != nil {
				s.log.Errorf("Restoring %s: %v", final, restoreErr)
			}
		}
		return "", fmt.Errorf("publishing %s: %w", final, err)
	}
	_ = fsutil.SyncDir(s.root)
	if replacing {
		if err := os.RemoveAll(retired); err != nil {
			s.log.Warnf("Removing %s: %v", retired, err)
		}
	}

	if err := fsutil.WriteJSONAtomic(filepath.Join(s.root, StepFile), stepRecord{GlobalStep: ckpt.GlobalStep}); err != nil {
		return "", fmt.Errorf("writing %s: %w", StepFile, err)
	}
	return final, nil
}

// Restore loads the checkpoint the saved global step points at.
//
// ErrCheckpointNotFound: no global step file. ErrCheckpointCorrupt: the step
// file or the target checkpoint is unreadable or fails its manifest.
// ErrProgressDrift: the saved step does not fit stepsPerEpoch.
func (s *FSStore) Restore(ctx context.Context, stepsPerEpoch int) (entities.Checkpoint, entities.Progress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reinstateRetired()

	raw, err := os.ReadFile(filepath.Join(s.root, StepFile))
	if errors.Is(err, fs.ErrNotExist) {
		return entities.Checkpoint{}, entities.Progress{}, fmt.Errorf("%w: no %s in %s", entities.ErrCheckpointNotFound, StepFile, s.root)
	}
	if err != nil {
		return entities.Checkpoint{}, entities.Progress{}, fmt.Errorf("%w: reading %s: %v", entities.ErrCheckpointCorrupt, StepFile, err)
	}
	var step stepRecord
	if err := strictDecode(raw, &step); err != nil {
		return entities.Checkpoint{}, entities.Progress{}, fmt.Errorf("%w: decoding %s: %v", entities.ErrCheckpointCorrupt, StepFile, err)
	}

	progress, epoch, err := entities.ResumeProgress(step.GlobalStep, stepsPerEpoch)
	if err != nil {
		return entities.Checkpoint{}, entities.Progress{}, err
	}
	ckpt, err := s.load(ctx, epoch)
	if err != nil {
		return entities.Checkpoint{}, entities.Progress{}, err
	}
	return ckpt, progress, nil
}

func (s *FSStore) load(ctx context.Context, epoch int) (entities.Checkpoint, error) {
	dir := s.Dir(epoch)
	corrupt := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s: %s", entities.ErrCheckpointCorrupt, dir, fmt.Sprintf(format, args...))
	}

	raw, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if errors.Is(err, fs.ErrNotExist) {
		if _, statErr := os.Stat(dir); errors.Is(statErr, fs.ErrNotExist) {
			return entities.Checkpoint{}, corrupt("directory missing")
		}
		return entities.Checkpoint{}, corrupt("no manifest")
	}
	if err != nil {
		return entities.Checkpoint{}, corrupt("reading manifest: %v", err)
	}
	var manifest Manifest
	if err := strictDecode(raw, &manifest); err != nil {
		return entities.Checkpoint{}, corrupt("decoding manifest: %v", err)
	}
	if manifest.Epoch != epoch {
		return entities.Checkpoint{}, corrupt("manifest names epoch %d", manifest.Epoch)
	}

	ckpt := entities.Checkpoint{Epoch: epoch, GlobalStep: manifest.GlobalStep}
	targets := []struct {
		name string
		v    any
	}{
		{ModelFile, &ckpt.Weights},
		{OptimizerFile, &ckpt.Optimizer},
		{SchedulerFile, &ckpt.Scheduler},
		{ArgsFile, &ckpt.Config},
	}
	for _, t := range targets {
		if err := ctx.Err(); err != nil {
			return entities.Checkpoint{}, err
		}
		want, ok := manifest.Files[t.name]
		if !ok {
			return entities.Checkpoint{}, corrupt("manifest lacks %s", t.name)
		}
		data, err := os.ReadFile(filepath.Join(dir, t.name))
		if err != nil {
			return entities.Checkpoint{}, corrupt("reading %s: %v", t.name, err)
		}
		if got := checksum(data); got != want {
			return entities.Checkpoint{}, corrupt("%s checksum %s, manifest %s", t.name, got[:12], shorten(want))
		}
		if err := json.Unmarshal(data, t.v); err != nil {
			return entities.Checkpoint{}, corrupt("decoding %s: %v", t.name, err)
		}
	}
	if len(ckpt.Weights) == 0 {
		return entities.Checkpoint{}, corrupt("%s holds no tensors", ModelFile)
	}
	return ckpt, nil
}

// Evict drops the checkpoint that fell out of the retention window after
// saving epoch: epoch - retain*saveInterval, once epoch/saveInterval exceeds
// retain. It then sweeps the lowest epochs until at most retain+1 remain.
// retain 0 keeps everything. A missing target is reported wrapped in
// ErrCheckpointNotFound after the sweep has run.
func (s *FSStore) Evict(ctx context.Context, epoch, saveInterval, retain int) error {
	if retain <= 0 || saveInterval <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	if epoch/saveInterval > retain {
		target := s.Dir(epoch - retain*saveInterval)
		if _, err := os.Stat(target); errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, fmt.Errorf("evicting %s: %w", target, entities.ErrCheckpointNotFound))
		} else if err := os.RemoveAll(target); err != nil {
			errs = append(errs, fmt.Errorf("evicting %s: %w", target, err))
		} else {
			s.log.Infof("Deleted %s", target)
		}
	}

	epochs, err := s.list()
	if err != nil {
		return errors.Join(append(errs, err)...)
	}
	for len(epochs) > retain+1 {
		if err := ctx.Err(); err != nil {
			return errors.Join(append(errs, err)...)
		}
		target := s.Dir(epochs[0])
		if err := os.RemoveAll(target); err != nil {
			errs = append(errs, fmt.Errorf("sweeping %s: %w", target, err))
			break
		}
		s.log.Infof("Deleted %s", target)
		epochs = epochs[1:]
	}
	_ = fsutil.SyncDir(s.root)
	return errors.Join(errs...)
}

// List returns the epochs with a published checkpoint, ascending.
func (s *FSStore) List() ([]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list()
}

func (s *FSStore) list() ([]int, error) {
	entries, err := os.ReadDir(s.root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", s.root, err)
	}
	var epochs []int
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), dirPrefix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(e.Name(), dirPrefix))
		if err != nil {
			continue
		}
		epochs = append(epochs, n)
	}
	sort.Ints(epochs)
	return epochs, nil
}

func (s *FSStore) retiredDir(epoch int) string {
	return filepath.Join(s.root, retiredPrefix+strconv.Itoa(epoch))
}

// reinstateRetired moves a checkpoint that was set aside by an interrupted
// save back into place when its replacement never got published, and drops
// it otherwise.
func (s *FSStore) reinstateRetired() {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), retiredPrefix) {
			continue
		}
		path := filepath.Join(s.root, e.Name())
		epoch, err := strconv.Atoi(strings.TrimPrefix(e.Name(), retiredPrefix))
		if err != nil {
			continue
		}
		final := s.Dir(epoch)
		if _, err := os.Stat(final); errors.Is(err, fs.ErrNotExist) {
			if err := os.Rename(path, final); err != nil {
				s.log.Warnf("Reinstating %s: %v", final, err)
				continue
			}
			s.log.Warnf("Reinstated %s from an interrupted save", final)
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			s.log.Warnf("Removing stale %s: %v", path, err)
		}
	}
}

// removeStale clears temp directories left by an interrupted save and
// settles any checkpoint it had set aside.
func (s *FSStore) removeStale() {
	s.reinstateRetired()
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), tmpPrefix) {
			path := filepath.Join(s.root, e.Name())
			if err := os.RemoveAll(path); err != nil {
				s.log.Warnf("Removing stale %s: %v", path, err)
				continue
			}
			s.log.Debugf("Removed stale %s", path)
		}
	}
}

// SaveModel writes a standalone weights file, used for the final export.
func SaveModel(path string, weights nn.StateDict) error {
	return fsutil.WriteJSONAtomic(path, weights)
}

// LoadModel reads a weights file written by SaveModel or found in a
// checkpoint directory.
func LoadModel(path string) (nn.StateDict, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var sd nn.StateDict
	if err := json.Unmarshal(raw, &sd); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return sd, nil
}

func writeArtifact(path string, v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encoding %s: %w", filepath.Base(path), err)
	}
	if err := fsutil.WriteFileAtomic(path, data, 0644); err != nil {
		return "", fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	return checksum(data), nil
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func shorten(s string) string {
	if len(s) > 12 {
		return s[:12]
	}
	return s
}

func strictDecode(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
