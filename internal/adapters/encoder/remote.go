package encoder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/0xcro3dile/filing-finetune/internal/domain/entities"
	"github.com/0xcro3dile/filing-finetune/internal/platform/logger"
)

// Remote calls an encoder served over HTTP. It is always frozen.
type Remote struct {
	baseURL string
	model   string
	client  *http.Client
	log     *logger.Logger
}

// NewRemote creates an adapter for the service at baseURL.
func NewRemote(baseURL, model string, log *logger.Logger) *Remote {
	if baseURL == "" {
		baseURL = "http://localhost:8081"
	}
	if model == "" {
		model = "finbert"
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Remote{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
		log: log,
	}
}

// encodeRequest is the service request format.
type encodeRequest struct {
	Model      string  `json:"model"`
	InputIDs   []int64 `json:"input_ids"`
	InputMask  []int64 `json:"input_mask"`
	SegmentIDs []int64 `json:"segment_ids"`
}

// encodeResponse is the service response format.
type encodeResponse struct {
	HiddenStates [][]float64 `json:"hidden_states"`
	Error        string      `json:"error,omitempty"`
}

func (r *Remote) Name() string    { return r.model }
func (r *Remote) Trainable() bool { return false }

// Encode posts p to /api/encode and returns the final hidden states.
func (r *Remote) Encode(ctx context.Context, p entities.Paragraph) ([][]float64, error) {
	r.log.Debugf("Encode request to %s with model %s", r.baseURL, r.model)

	jsonData, err := json.Marshal(encodeRequest{
		Model:      r.model,
		InputIDs:   p.InputIDs,
		InputMask:  p.InputMask,
		SegmentIDs: p.SegmentIDs,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/api/encode", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling encoder: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("encoder returned status %d", resp.StatusCode)
	}

	var out encodeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("encoder: %s", out.Error)
	}
	if len(out.HiddenStates) == 0 {
		return nil, fmt.Errorf("encoder returned no hidden states")
	}
	r.log.Debugf("Got %d hidden states of width %d", len(out.HiddenStates), len(out.HiddenStates[0]))
	return out.HiddenStates, nil
}
