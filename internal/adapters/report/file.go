// Package report provides evaluation report adapters.
// Clean Architecture: Adapter implementing ports.ReportWriter.
package report

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/0xcro3dile/filing-finetune/internal/platform/fsutil"
	"github.com/0xcro3dile/filing-finetune/internal/platform/logger"
)

// File writes "<key> = <value>" lines, sorted by key, to
// <dir>/<modelName>eval_results.txt. Each evaluation replaces the file.
type File struct {
	path string
	log  *logger.Logger
}

// NewFile creates a report writer for one run.
func NewFile(dir, modelName string, log *logger.Logger) *File {
	if log == nil {
		log = logger.Discard()
	}
	return &File{path: filepath.Join(dir, modelName+"eval_results.txt"), log: log}
}

// Path is the report location.
func (f *File) Path() string { return f.path }

// WriteResults replaces the report with results.
func (f *File) WriteResults(ctx context.Context, results map[string]float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	keys := make([]string, 0, len(results))
	for k := range results {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	f.log.Infof("***** Eval results *****")
	err := fsutil.WriteAtomic(f.path, 0644, func(w io.Writer) error {
		for _, k := range keys {
			v := strconv.FormatFloat(results[k], 'g', -1, 64)
			f.log.Infof("  %s = %s", k, v)
			if _, err := fmt.Fprintf(w, "%s = %s\n", k, v); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("writing %s: %w", f.path, err)
	}
	return nil
}
