package usecases

import (
	"errors"
	"math/rand"
	"reflect"
	"strings"
	"testing"

	"github.com/0xcro3dile/filing-finetune/internal/domain/batching"
	"github.com/0xcro3dile/filing-finetune/internal/domain/entities"
)

func TestBuildHierarchy_PreservesOrderAndLength(t *testing.T) {
	docs := []entities.Document{
		document(0.1, 10, 20, 30),
		document(0.2, 40),
		document(0.3, 50, 60),
	}
	batch := batching.Collate(docs, 0)

	h, err := BuildHierarchy(batch)
	if err != nil {
		t.Fatalf("BuildHierarchy failed: %v", err)
	}
	if h.Len() != len(docs) {
		t.Fatalf("expected %d documents, got %d", len(docs), h.Len())
	}
	if h.Total() != 6 {
		t.Errorf("expected 6 paragraphs in arena, got %d", h.Total())
	}
	for d, doc := range docs {
		got := h.Document(d)
		if len(got) != len(doc.Paragraphs) {
			t.Fatalf("document %d: expected %d paragraphs, got %d", d, len(doc.Paragraphs), len(got))
		}
		for i := range got {
			if got[i].InputIDs[0] != doc.Paragraphs[i].InputIDs[0] {
				t.Errorf("document %d paragraph %d out of order", d, i)
			}
		}
	}
}

func TestBuildHierarchy_TruncatedToBound(t *testing.T) {
	batch := batching.Collate([]entities.Document{document(0, 1, 2, 3, 4)}, 2)

	h, err := BuildHierarchy(batch)
	if err != nil {
		t.Fatalf("BuildHierarchy failed: %v", err)
	}
	if got := len(h.Document(0)); got != 2 {
		t.Errorf("expected 2 paragraphs after truncation, got %d", got)
	}
}

func TestBuildHierarchy_ParagraphAfterSentinel(t *testing.T) {
	batch := batching.Collate([]entities.Document{document(0, 1), document(0, 2, 3, 4)}, 0)
	// Punch a hole in the second document.
	batch.Slots[1][1] = entities.Sentinel(4)

	_, err := BuildHierarchy(batch)
	if !errors.Is(err, entities.ErrDataIntegrity) {
		t.Fatalf("expected ErrDataIntegrity, got %v", err)
	}
	var die *entities.DataIntegrityError
	if !errors.As(err, &die) {
		t.Fatalf("expected *DataIntegrityError, got %T", err)
	}
	if die.Document != 1 || die.Slot != 2 {
		t.Errorf("expected document 1 slot 2, got document %d slot %d", die.Document, die.Slot)
	}
}

func TestBuildHierarchy_EmptyDocument(t *testing.T) {
	batch := batching.Collate([]entities.Document{document(0, 1, 2), {Features: []float64{0, 1}}}, 0)

	_, err := BuildHierarchy(batch)
	var die *entities.DataIntegrityError
	if !errors.As(err, &die) {
		t.Fatalf("expected *DataIntegrityError, got %v", err)
	}
	if die.Document != 1 {
		t.Errorf("expected document 1, got %d", die.Document)
	}
}

func TestBuildHierarchy_RaggedBatch(t *testing.T) {
	batch := batching.Collate([]entities.Document{document(0, 1, 2), document(0, 3, 4)}, 0)
	batch.Slots[1] = batch.Slots[1][:1]

	if _, err := BuildHierarchy(batch); !errors.Is(err, entities.ErrDataIntegrity) {
		t.Errorf("expected ErrDataIntegrity for ragged slot, got %v", err)
	}

	batch = batching.Collate([]entities.Document{document(0, 1)}, 0)
	batch.Features = nil
	if _, err := BuildHierarchy(batch); !errors.Is(err, entities.ErrDataIntegrity) {
		t.Errorf("expected ErrDataIntegrity for missing features, got %v", err)
	}
}

func TestBuildHierarchy_ExtraSentinelsChangeNothing(t *testing.T) {
	docs := []entities.Document{document(0.1, 10, 20, 30), document(0.2, 40)}

	tight, err := BuildHierarchy(batching.Collate(docs, 0))
	if err != nil {
		t.Fatalf("BuildHierarchy failed: %v", err)
	}
	padded, err := BuildHierarchy(batching.Collate(docs, 7))
	if err != nil {
		t.Fatalf("BuildHierarchy with padding failed: %v", err)
	}
	if !reflect.DeepEqual(tight.Index, padded.Index) {
		t.Errorf("index changed with padding: %v vs %v", tight.Index, padded.Index)
	}
	if !reflect.DeepEqual(tight.Arena, padded.Arena) {
		t.Error("arena changed with padding")
	}
}

func TestBuildHierarchy_TotalBoundedByBatchShape(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	for trial := 0; trial < 50; trial++ {
		size := 1 + rng.Intn(6)
		bound := 1 + rng.Intn(4)
		docs := make([]entities.Document, size)
		for d := range docs {
			ids := make([]int64, 1+rng.Intn(8))
			for i := range ids {
				ids[i] = int64(1 + rng.Intn(100))
			}
			docs[d] = document(rng.Float64(), ids...)
		}

		h, err := BuildHierarchy(batching.Collate(docs, bound))
		if err != nil {
			t.Fatalf("trial %d: BuildHierarchy failed: %v", trial, err)
		}
		if h.Total() > size*bound {
			t.Errorf("trial %d: %d paragraphs exceed %d documents x %d slots", trial, h.Total(), size, bound)
		}
		for d := 0; d < h.Len(); d++ {
			if n := len(h.Document(d)); n < 1 || n > bound {
				t.Errorf("trial %d: document %d has %d paragraphs, bound %d", trial, d, n, bound)
			}
		}
	}
}

func TestBuildHierarchy_ErrorNamesFiling(t *testing.T) {
	docs := []entities.Document{document(0, 1), document(0, 2, 3)}
	docs[0].ID, docs[1].ID = "0000320193-24-000123", "0000789019-24-000456"
	batch := batching.Collate(docs, 0)
	batch.Slots[0][1] = entities.Sentinel(4)

	_, err := BuildHierarchy(batch)
	var die *entities.DataIntegrityError
	if !errors.As(err, &die) {
		t.Fatalf("expected *DataIntegrityError, got %v", err)
	}
	if die.DocumentID != "0000789019-24-000456" {
		t.Errorf("expected filing id of document 1, got %q", die.DocumentID)
	}
	if !strings.Contains(err.Error(), "0000789019-24-000456") {
		t.Errorf("error does not name the filing: %v", err)
	}
}
