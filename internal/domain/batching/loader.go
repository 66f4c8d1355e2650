// Package batching collates documents into padded mini-batches.
// Document order may be shuffled per epoch; paragraph order never is.
package batching

import (
	"math/rand"

	"github.com/0xcro3dile/filing-finetune/internal/domain/entities"
)

// Loader splits a document set into fixed-size mini-batches. The last
// batch keeps whatever documents remain.
type Loader struct {
	docs          []entities.Document
	batchSize     int
	shuffle       bool
	seed          int64
	maxParagraphs int
}

// NewLoader creates a loader. When shuffle is set, the order of epoch e is
// the permutation drawn from seed+e, so a resumed run sees the same order.
// maxParagraphs fixes the padded slot count; 0 pads to the longest document
// of each batch.
func NewLoader(docs []entities.Document, batchSize int, shuffle bool, seed int64, maxParagraphs int) *Loader {
	if batchSize <= 0 {
		batchSize = 1
	}
	if maxParagraphs < 0 {
		maxParagraphs = 0
	}
	return &Loader{
		docs:          docs,
		batchSize:     batchSize,
		shuffle:       shuffle,
		seed:          seed,
		maxParagraphs: maxParagraphs,
	}
}

// Len is the number of batches per epoch.
func (l *Loader) Len() int {
	return (len(l.docs) + l.batchSize - 1) / l.batchSize
}

// Batches returns the collated batches of epoch.
func (l *Loader) Batches(epoch int) []entities.MiniBatch {
	order := make([]int, len(l.docs))
	if l.shuffle {
		order = rand.New(rand.NewSource(l.seed + int64(epoch))).Perm(len(l.docs))
	} else {
		for i := range order {
			order[i] = i
		}
	}

	batches := make([]entities.MiniBatch, 0, l.Len())
	for start := 0; start < len(order); start += l.batchSize {
		end := min(start+l.batchSize, len(order))
		docs := make([]entities.Document, 0, end-start)
		for _, i := range order[start:end] {
			docs = append(docs, l.docs[i])
		}
		batches = append(batches, Collate(docs, l.maxParagraphs))
	}
	return batches
}

// Collate lays docs out slot-major, padding each document with sentinels up
// to bound slots (or to the longest document when bound is 0). Documents
// longer than bound are truncated.
func Collate(docs []entities.Document, bound int) entities.MiniBatch {
	seqLen := 0
	longest := 0
	for _, d := range docs {
		longest = max(longest, len(d.Paragraphs))
		if seqLen == 0 && len(d.Paragraphs) > 0 {
			seqLen = d.Paragraphs[0].Len()
		}
	}
	if bound <= 0 {
		bound = longest
	}

	batch := entities.MiniBatch{
		IDs:      make([]string, len(docs)),
		Slots:    make([][]entities.Paragraph, bound),
		Features: make([][]float64, len(docs)),
		Labels:   make([]float64, len(docs)),
	}
	sentinel := entities.Sentinel(seqLen)
	for p := range batch.Slots {
		row := make([]entities.Paragraph, len(docs))
		for d, doc := range docs {
			if p < len(doc.Paragraphs) {
				row[d] = doc.Paragraphs[p]
			} else {
				row[d] = sentinel
			}
		}
		batch.Slots[p] = row
	}
	for d, doc := range docs {
		batch.IDs[d] = doc.ID
		batch.Features[d] = doc.Features
		batch.Labels[d] = doc.Label
	}
	return batch
}
