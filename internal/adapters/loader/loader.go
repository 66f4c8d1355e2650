// Package loader provides dataset loading adapters.
// Clean Architecture: Adapter producing entities.Document from pre-tokenized filings.
package loader

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/0xcro3dile/filing-finetune/internal/domain/entities"
)

// Record is one line of a split file. Paragraphs are keyed by text
// granularity and labels by label variant so one file serves every run
// configuration.
type Record struct {
	ID          string               `json:"id"`
	Paragraphs  map[string][][]int64 `json:"paragraphs"`
	SegmentIDs  map[string][][]int64 `json:"segment_ids,omitempty"`
	KPIFeatures []float64            `json:"kpi_features"`
	Labels      map[string]float64   `json:"labels"`
}

// JSONL reads <dir>/<split>.jsonl.
type JSONL struct {
	dir           string
	textType      string
	labelVariant  string
	maxSeqLength  int
	maxParagraphs int
}

// NewJSONL creates a reader. maxParagraphs 0 keeps every paragraph.
func NewJSONL(dir, textType, labelVariant string, maxSeqLength, maxParagraphs int) *JSONL {
	if textType == "" {
		textType = "mda_paragraphs"
	}
	if labelVariant == "" {
		labelVariant = "percentage_change"
	}
	if maxSeqLength <= 0 {
		maxSeqLength = 512
	}
	return &JSONL{
		dir:           dir,
		textType:      textType,
		labelVariant:  labelVariant,
		maxSeqLength:  maxSeqLength,
		maxParagraphs: maxParagraphs,
	}
}

// Path is the file backing split.
func (l *JSONL) Path(split string) string {
	return filepath.Join(l.dir, split+".jsonl")
}

// Load reads every filing of split in file order.
func (l *JSONL) Load(ctx context.Context, split string) ([]entities.Document, error) {
	path := l.Path(split)
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s split: %w", split, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 1<<20), 64<<20)

	var out []entities.Document
	line := 0
	for scanner.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("%s:%d: decoding: %w", path, line, err)
		}
		doc, err := l.convert(rec, split, line)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		out = append(out, doc)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return out, nil
}

func (l *JSONL) convert(rec Record, split string, line int) (entities.Document, error) {
	tokens, ok := rec.Paragraphs[l.textType]
	if !ok || len(tokens) == 0 {
		return entities.Document{}, fmt.Errorf("no %q paragraphs", l.textType)
	}
	label, ok := rec.Labels[l.labelVariant]
	if !ok {
		return entities.Document{}, fmt.Errorf("no %q label", l.labelVariant)
	}
	if l.maxParagraphs > 0 && len(tokens) > l.maxParagraphs {
		tokens = tokens[:l.maxParagraphs]
	}
	segments := rec.SegmentIDs[l.textType]

	doc := entities.Document{
		ID:         rec.ID,
		Paragraphs: make([]entities.Paragraph, len(tokens)),
		Features:   append([]float64(nil), rec.KPIFeatures...),
		Label:      label,
	}
	if doc.ID == "" {
		doc.ID = generateDocID(split + ":" + strconv.Itoa(line))
	}
	for i, ids := range tokens {
		if len(ids) == 0 {
			return entities.Document{}, fmt.Errorf("paragraph %d has no tokens", i)
		}
		var seg []int64
		if i < len(segments) {
			seg = segments[i]
		}
		doc.Paragraphs[i] = l.pad(ids, seg)
	}
	return doc, nil
}

// pad truncates to the sequence length and zero-pads; the mask marks real
// tokens so even an all-zero id sequence is not a sentinel.
func (l *JSONL) pad(ids, segments []int64) entities.Paragraph {
	p := entities.Sentinel(l.maxSeqLength)
	n := min(len(ids), l.maxSeqLength)
	copy(p.InputIDs, ids[:n])
	for i := 0; i < n; i++ {
		p.InputMask[i] = 1
	}
	copy(p.SegmentIDs, segments[:min(len(segments), n)])
	return p
}

// generateDocID creates a deterministic ID for a filing without one.
func generateDocID(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:8])
}
