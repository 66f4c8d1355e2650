package entities

import (
	"errors"
	"strings"
	"testing"
)

func TestParagraph_IsSentinel(t *testing.T) {
	if !Sentinel(4).IsSentinel() {
		t.Error("expected all-zero paragraph to be a sentinel")
	}

	cases := []Paragraph{
		{InputIDs: []int64{101, 0}, InputMask: []int64{0, 0}, SegmentIDs: []int64{0, 0}},
		{InputIDs: []int64{0, 0}, InputMask: []int64{1, 0}, SegmentIDs: []int64{0, 0}},
		{InputIDs: []int64{0, 0}, InputMask: []int64{0, 0}, SegmentIDs: []int64{0, 1}},
	}
	for i, p := range cases {
		if p.IsSentinel() {
			t.Errorf("case %d: paragraph with a non-zero entry reported as sentinel", i)
		}
	}
}

func TestHierarchy_Document(t *testing.T) {
	p := func(id int64) Paragraph {
		return Paragraph{InputIDs: []int64{id}, InputMask: []int64{1}, SegmentIDs: []int64{0}}
	}
	h := Hierarchy{
		Arena: []Paragraph{p(1), p(2), p(3)},
		Index: []Span{{Offset: 0, Length: 2}, {Offset: 2, Length: 1}},
	}

	if h.Len() != 2 || h.Total() != 3 {
		t.Fatalf("expected 2 documents over 3 paragraphs, got %d over %d", h.Len(), h.Total())
	}
	if got := h.Document(1); len(got) != 1 || got[0].InputIDs[0] != 3 {
		t.Errorf("unexpected second document: %+v", got)
	}
}

func TestDataIntegrityError(t *testing.T) {
	err := error(&DataIntegrityError{Stage: "train", Epoch: 2, Step: 7, Document: 3, Slot: 1, Reason: "sentinel before content"})

	if !errors.Is(err, ErrDataIntegrity) {
		t.Error("expected error to unwrap to ErrDataIntegrity")
	}
	for _, want := range []string{"epoch 2", "step 7", "document 3", "slot 1"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected %q in %q", want, err.Error())
		}
	}
}

func TestDataIntegrityError_NamesFiling(t *testing.T) {
	err := &DataIntegrityError{Stage: "eval", Epoch: -1, Step: 4, Document: 0, DocumentID: "0000320193-24-000123", Slot: -1, Reason: "document has no paragraphs"}

	if !strings.Contains(err.Error(), "document 0 (0000320193-24-000123)") {
		t.Errorf("expected filing id in %q", err.Error())
	}
}

func TestResumeProgress(t *testing.T) {
	tests := []struct {
		name          string
		saved, spe    int
		want          Progress
		wantLoadEpoch int
		wantErr       bool
	}{
		{name: "after first epoch", saved: 10, spe: 10, want: Progress{GlobalStep: 11, Epoch: 1}, wantLoadEpoch: 0},
		{name: "after third epoch", saved: 30, spe: 10, want: Progress{GlobalStep: 31, Epoch: 3}, wantLoadEpoch: 2},
		{name: "inside an epoch", saved: 15, spe: 10, want: Progress{GlobalStep: 16, Epoch: 1, StepOffset: 5}, wantLoadEpoch: 0},
		{name: "before any full epoch", saved: 3, spe: 10, wantErr: true},
		{name: "single step epochs", saved: 1, spe: 1, wantErr: true},
		{name: "zero steps per epoch", saved: 5, spe: 0, wantErr: true},
		{name: "negative saved step", saved: -2, spe: 4, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, load, err := ResumeProgress(tt.saved, tt.spe)
			if tt.wantErr {
				if !errors.Is(err, ErrProgressDrift) {
					t.Fatalf("expected ErrProgressDrift, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want || load != tt.wantLoadEpoch {
				t.Errorf("got %+v load %d, want %+v load %d", got, load, tt.want, tt.wantLoadEpoch)
			}
		})
	}
}

func TestResumeProgress_EpochBoundaryInverse(t *testing.T) {
	for spe := 2; spe <= 9; spe++ {
		for epoch := 0; epoch < 12; epoch++ {
			saved := (epoch + 1) * spe
			got, load, err := ResumeProgress(saved, spe)
			if err != nil {
				t.Fatalf("spe %d epoch %d: %v", spe, epoch, err)
			}
			if load != epoch || got.Epoch != epoch+1 || got.StepOffset != 0 || got.GlobalStep != saved+1 {
				t.Errorf("spe %d epoch %d: got %+v load %d", spe, epoch, got, load)
			}
		}
	}
}
