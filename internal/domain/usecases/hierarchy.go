// Package usecases contains application business rules.
// Clean Architecture: Usecases orchestrate entities and depend on port interfaces.
// They contain NO framework code - just the training and evaluation logic.
package usecases

import (
	"fmt"

	"github.com/0xcro3dile/filing-finetune/internal/domain/entities"
)

// BuildHierarchy regroups a collated mini-batch per document. Each document
// keeps the paragraphs that precede its first sentinel, in slot order.
//
// A document with no real paragraph, or with a real paragraph after a
// sentinel, is malformed and reported as a *entities.DataIntegrityError.
func BuildHierarchy(batch entities.MiniBatch) (entities.Hierarchy, error) {
	n := batch.Size()
	if len(batch.Features) != n {
		return entities.Hierarchy{}, integrity(-1, -1, fmt.Sprintf("%d feature rows for %d labels", len(batch.Features), n))
	}
	for p, row := range batch.Slots {
		if len(row) != n {
			return entities.Hierarchy{}, integrity(-1, p, fmt.Sprintf("slot holds %d paragraphs for %d documents", len(row), n))
		}
	}

	h := entities.Hierarchy{
		Arena: make([]entities.Paragraph, 0, n*len(batch.Slots)),
		Index: make([]entities.Span, n),
	}
	for d := 0; d < n; d++ {
		offset := len(h.Arena)
		ended := -1
		for p, row := range batch.Slots {
			para := row[d]
			if para.IsSentinel() {
				if ended < 0 {
					ended = p
				}
				continue
			}
			if ended >= 0 {
				return entities.Hierarchy{}, withID(integrity(d, p, fmt.Sprintf("paragraph follows sentinel at slot %d", ended)), batch, d)
			}
			h.Arena = append(h.Arena, para)
		}
		length := len(h.Arena) - offset
		if length == 0 {
			return entities.Hierarchy{}, withID(integrity(d, -1, "document has no paragraphs"), batch, d)
		}
		h.Index[d] = entities.Span{Offset: offset, Length: length}
	}
	return h, nil
}

func integrity(doc, slot int, reason string) error {
	return &entities.DataIntegrityError{Epoch: -1, Step: -1, Document: doc, Slot: slot, Reason: reason}
}

// withID attaches the filing ID of document d when the batch carries IDs.
func withID(err error, batch entities.MiniBatch, d int) error {
	if die, ok := err.(*entities.DataIntegrityError); ok && d < len(batch.IDs) {
		die.DocumentID = batch.IDs[d]
	}
	return err
}
