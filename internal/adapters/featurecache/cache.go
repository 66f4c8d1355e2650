// Package featurecache persists collated dataset features between runs.
// Clean Architecture: Adapter; rank coordination goes through ports.Barrier.
package featurecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sync/singleflight"

	"github.com/0xcro3dile/filing-finetune/internal/domain/entities"
	"github.com/0xcro3dile/filing-finetune/internal/domain/ports"
	"github.com/0xcro3dile/filing-finetune/internal/platform/fsutil"
	"github.com/0xcro3dile/filing-finetune/internal/platform/logger"
)

// Key identifies one cached split.
type Key struct {
	Split        string
	Encoder      string
	MaxSeqLength int
	Task         string
	LabelVariant string
	TextType     string
}

// FileName is cached_<split>_<encoder>_<maxseq>_<task>_<label>_<text>.
func (k Key) FileName() string {
	return "cached_" + k.Split + "_" + k.Encoder + "_" + strconv.Itoa(k.MaxSeqLength) + "_" +
		k.Task + "_" + k.LabelVariant + "_" + k.TextType
}

// BuildFunc produces a split from source data on a cache miss.
type BuildFunc func(ctx context.Context) ([]entities.Document, error)

// Cache stores splits under dir. Only the main rank writes; other ranks
// wait for the training split to be published before reading it.
type Cache struct {
	dir       string
	isMain    bool
	overwrite bool
	barrier   ports.Barrier
	log       *logger.Logger
	group     singleflight.Group
}

// New creates a cache. barrier may be nil when the process is the only rank.
func New(dir string, isMain, overwrite bool, barrier ports.Barrier, log *logger.Logger) *Cache {
	if log == nil {
		log = logger.Discard()
	}
	return &Cache{dir: dir, isMain: isMain, overwrite: overwrite, barrier: barrier, log: log}
}

// Path is where key is stored.
func (c *Cache) Path(key Key) string {
	return filepath.Join(c.dir, key.FileName())
}

// Load returns the split for key, building and persisting it on a miss.
// Concurrent loads of the same key share one result.
func (c *Cache) Load(ctx context.Context, key Key, evaluate bool, build BuildFunc) ([]entities.Document, error) {
	path := c.Path(key)
	v, err, _ := c.group.Do(path, func() (any, error) {
		return c.load(ctx, path, evaluate, build)
	})
	if err != nil {
		return nil, err
	}
	return v.([]entities.Document), nil
}

func (c *Cache) load(ctx context.Context, path string, evaluate bool, build BuildFunc) ([]entities.Document, error) {
	if !c.isMain && !evaluate && c.barrier != nil {
		if err := c.barrier.Wait(ctx, path); err != nil {
			return nil, fmt.Errorf("waiting for main rank to cache %s: %w", filepath.Base(path), err)
		}
	}

	if !c.overwrite {
		docs, err := read(path)
		switch {
		case err == nil:
			c.log.Infof("Loading features from cached file %s", path)
			return docs, nil
		case !errors.Is(err, fs.ErrNotExist):
			c.log.Warnf("Ignoring unreadable cache %s: %v", path, err)
		}
	}

	c.log.Infof("Creating features from dataset file at %s", c.dir)
	docs, err := build(ctx)
	if err != nil {
		return nil, err
	}
	if c.isMain {
		c.log.Infof("Saving features into cached file %s", path)
		if err := fsutil.WriteJSONAtomic(path, docs); err != nil {
			return nil, fmt.Errorf("caching %s: %w", filepath.Base(path), err)
		}
	}
	return docs, nil
}

func read(path string) ([]entities.Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var docs []entities.Document
	if err := json.Unmarshal(raw, &docs); err != nil {
		return nil, fmt.Errorf("decoding: %w", err)
	}
	return docs, nil
}
