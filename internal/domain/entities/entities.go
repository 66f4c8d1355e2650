// Package entities contains core business entities.
// These are the enterprise business rules - pure domain objects with no external dependencies.
package entities

import (
	"encoding/json"

	"github.com/0xcro3dile/filing-finetune/internal/nn"
)

// Paragraph is one tokenized paragraph of a filing, padded to the
// configured sequence length.
type Paragraph struct {
	InputIDs   []int64 `json:"input_ids"`
	InputMask  []int64 `json:"input_mask"`
	SegmentIDs []int64 `json:"segment_ids"`
}

// Sentinel builds the all-zero padding paragraph that terminates a document.
func Sentinel(maxSeqLength int) Paragraph {
	return Paragraph{
		InputIDs:   make([]int64, maxSeqLength),
		InputMask:  make([]int64, maxSeqLength),
		SegmentIDs: make([]int64, maxSeqLength),
	}
}

// IsSentinel reports whether all three sequences are entirely zero.
func (p Paragraph) IsSentinel() bool {
	for _, seq := range [][]int64{p.InputIDs, p.InputMask, p.SegmentIDs} {
		for _, v := range seq {
			if v != 0 {
				return false
			}
		}
	}
	return true
}

// Len is the padded sequence length.
func (p Paragraph) Len() int { return len(p.InputIDs) }

// Document is one filing: ordered paragraphs, the numeric KPI feature
// vector and the regression target.
type Document struct {
	ID         string      `json:"id,omitempty"`
	Paragraphs []Paragraph `json:"paragraphs"`
	Features   []float64   `json:"features"`
	Label      float64     `json:"label"`
}

// MiniBatch is a collated batch. Slots[p][d] is paragraph slot p of
// document d; every document is padded with sentinels to len(Slots).
type MiniBatch struct {
	// IDs holds Document.ID per document, in batch order.
	IDs      []string
	Slots    [][]Paragraph
	Features [][]float64
	Labels   []float64
}

// Size is the number of documents in the batch.
func (b MiniBatch) Size() int { return len(b.Labels) }

// Embedding is the fixed-size vector the encoder pass produces for one paragraph.
type Embedding []float64

// Span locates one document's paragraphs inside a Hierarchy arena.
type Span struct {
	Offset int
	Length int
}

// Hierarchy is a mini-batch regrouped per document: a flat arena of real
// paragraphs plus one span per document, in batch order.
type Hierarchy struct {
	Arena []Paragraph
	Index []Span
}

// Len is the number of documents.
func (h Hierarchy) Len() int { return len(h.Index) }

// Total is the number of real paragraphs across all documents.
func (h Hierarchy) Total() int { return len(h.Arena) }

// Document returns the ordered paragraphs of document d.
func (h Hierarchy) Document(d int) []Paragraph {
	s := h.Index[d]
	return h.Arena[s.Offset : s.Offset+s.Length]
}

// Checkpoint is everything needed to resume training after an epoch.
type Checkpoint struct {
	Epoch      int
	GlobalStep int
	Weights    nn.StateDict
	Optimizer  nn.AdamWState
	Scheduler  nn.ScheduleState
	Config     json.RawMessage
}
