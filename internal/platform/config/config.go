// Package config holds the run configuration: defaults, strict JSON
// loading, environment overrides and validation.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config mirrors the command-line surface of the fine-tuning run.
type Config struct {
	DataDir      string `json:"data_dir"`
	EncoderPath  string `json:"encoder_path"`
	KPIModelPath string `json:"kpi_model_path"`
	TaskName     string `json:"task_name"`
	TypeText     string `json:"type_text"`
	LabelVariant string `json:"percentage_change_type"`
	OutputDir    string `json:"output_dir"`
	Comment      string `json:"comment"`

	FreezeEncoder bool `json:"freeze_encoder"`
	// AllowSeededWeights starts the encoder or KPI model from seeded weights
	// when their configured file is missing.
	AllowSeededWeights bool `json:"allow_seeded_weights"`

	EncoderBuckets int   `json:"encoder_buckets"`
	EncoderSeed    int64 `json:"encoder_seed"`

	RNNInputSize   int     `json:"rnn_input_size"`
	RNNHiddenSize  int     `json:"rnn_hidden_size"`
	RNNNumLayers   int     `json:"rnn_num_layers"`
	RNNNumClasses  int     `json:"rnn_num_classes"`
	RNNHeadSize    int     `json:"rnn_head_size"`
	RNNDropoutProb float64 `json:"rnn_dropout_prob"`

	KPIInputSize    int     `json:"kpi_input_size"`
	KPIHiddenLayers int     `json:"kpi_hidden_layers"`
	KPIHiddenSize   int     `json:"kpi_hidden_size"`
	KPIDropoutProb  float64 `json:"kpi_dropout_prob"`
	KPINumClasses   int     `json:"kpi_num_classes"`

	MaxSeqLength  int `json:"max_seq_length"`
	MaxParagraphs int `json:"max_paragraphs"`

	DoTrain bool `json:"do_train"`
	DoEval  bool `json:"do_eval"`

	TrainBatchSize            int     `json:"train_batch_size"`
	EvalBatchSize             int     `json:"eval_batch_size"`
	GradientAccumulationSteps int     `json:"gradient_accumulation_steps"`
	LearningRate              float64 `json:"learning_rate"`
	WeightDecay               float64 `json:"weight_decay"`
	AdamEpsilon               float64 `json:"adam_epsilon"`
	NumTrainEpochs            int     `json:"num_train_epochs"`
	MaxSteps                  int     `json:"max_steps"`
	WarmupSteps               int     `json:"warmup_steps"`
	SaveEpochSteps            int     `json:"save_epoch_steps"`
	MaxSaveCheckpoints        int     `json:"max_save_checkpoints"`
	Restore                   bool    `json:"restore"`
	OverwriteCache            bool    `json:"overwrite_cache"`
	Seed                      int64   `json:"seed"`
	LocalRank                 int     `json:"local_rank"`

	LogLevel   string `json:"log_level"`
	StatusAddr string `json:"status_addr"`
}

// Defaults returns a Config carrying every default that has a safe value.
// Paths and the task name have none and must be supplied.
func Defaults() Config {
	return Config{
		TypeText:                  "mda_paragraphs",
		LabelVariant:              "percentage_change",
		FreezeEncoder:             true,
		EncoderBuckets:            4096,
		EncoderSeed:               1,
		RNNInputSize:              768,
		RNNHiddenSize:             768,
		RNNNumLayers:              2,
		RNNNumClasses:             1,
		RNNHeadSize:               64,
		RNNDropoutProb:            0.2,
		KPIInputSize:              116,
		KPIHiddenLayers:           1,
		KPIHiddenSize:             64,
		KPIDropoutProb:            0.2,
		KPINumClasses:             1,
		MaxSeqLength:              512,
		TrainBatchSize:            64,
		EvalBatchSize:             64,
		GradientAccumulationSteps: 1,
		LearningRate:              5e-5,
		AdamEpsilon:               1e-8,
		NumTrainEpochs:            10,
		MaxSteps:                  -1,
		SaveEpochSteps:            1,
		MaxSaveCheckpoints:        3,
		Restore:                   true,
		Seed:                      42,
		LocalRank:                 -1,
		LogLevel:                  "info",
	}
}

// LoadJSON decodes a config file over Defaults. Unknown fields are rejected.
func LoadJSON(path string, raw []byte) (Config, error) {
	cfg := Defaults()
	var r io.Reader
	switch {
	case len(raw) > 0:
		r = bytes.NewReader(raw)
	case path != "":
		f, err := os.Open(path)
		if err != nil {
			return cfg, err
		}
		defer f.Close()
		r = f
	default:
		return cfg, errors.New("no config source provided")
	}
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decoding config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from FINETUNE_* variables. lookup is usually
// os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}
	flag := func(key string, dst *bool) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = b
		return nil
	}

	str("FINETUNE_DATA_DIR", &c.DataDir)
	str("FINETUNE_ENCODER_PATH", &c.EncoderPath)
	str("FINETUNE_KPI_MODEL_PATH", &c.KPIModelPath)
	str("FINETUNE_OUTPUT_DIR", &c.OutputDir)
	str("FINETUNE_TASK_NAME", &c.TaskName)
	str("FINETUNE_LOG_LEVEL", &c.LogLevel)
	str("FINETUNE_STATUS_ADDR", &c.StatusAddr)
	if err := num("FINETUNE_LOCAL_RANK", &c.LocalRank); err != nil {
		return err
	}
	if err := num("FINETUNE_MAX_STEPS", &c.MaxSteps); err != nil {
		return err
	}
	if err := num("FINETUNE_NUM_TRAIN_EPOCHS", &c.NumTrainEpochs); err != nil {
		return err
	}
	if err := flag("FINETUNE_ALLOW_SEEDED_WEIGHTS", &c.AllowSeededWeights); err != nil {
		return err
	}
	if err := flag("FINETUNE_RESTORE", &c.Restore); err != nil {
		return err
	}
	return flag("FINETUNE_OVERWRITE_CACHE", &c.OverwriteCache)
}

// Validate checks the boundaries the run depends on.
func (c Config) Validate() error {
	switch {
	case strings.TrimSpace(c.DataDir) == "":
		return errors.New("config: data_dir not set")
	case strings.TrimSpace(c.EncoderPath) == "":
		return errors.New("config: encoder_path not set")
	case strings.TrimSpace(c.OutputDir) == "":
		return errors.New("config: output_dir not set")
	case strings.TrimSpace(c.TaskName) == "":
		return errors.New("config: task_name not set")
	case c.DoTrain && strings.TrimSpace(c.KPIModelPath) == "":
		return errors.New("config: kpi_model_path not set")
	case c.RNNInputSize < 1 || c.RNNHiddenSize < 1 || c.RNNNumLayers < 1 || c.RNNHeadSize < 1:
		return errors.New("config: rnn sizes must be >= 1")
	case c.RNNNumClasses != 1 || c.KPINumClasses != 1:
		return errors.New("config: regression heads must have exactly one output")
	case c.RNNDropoutProb < 0 || c.RNNDropoutProb >= 1:
		return errors.New("config: rnn_dropout_prob must be in [0, 1)")
	case c.KPIInputSize < 1 || c.KPIHiddenLayers < 0 || c.KPIHiddenLayers > 1:
		return errors.New("config: kpi sizes out of range")
	case c.MaxSeqLength < 1:
		return errors.New("config: max_seq_length must be >= 1")
	case c.MaxParagraphs < 0:
		return errors.New("config: max_paragraphs must be >= 0")
	case c.TrainBatchSize < 1 || c.EvalBatchSize < 1:
		return errors.New("config: batch sizes must be >= 1")
	case c.GradientAccumulationSteps < 1:
		return errors.New("config: gradient_accumulation_steps must be >= 1")
	case c.TrainBatchSize < c.GradientAccumulationSteps:
		return fmt.Errorf("config: train_batch_size(%d) must be >= gradient_accumulation_steps(%d)", c.TrainBatchSize, c.GradientAccumulationSteps)
	case c.LearningRate <= 0:
		return errors.New("config: learning_rate must be > 0")
	case c.NumTrainEpochs < 1 && c.MaxSteps <= 0:
		return errors.New("config: num_train_epochs must be >= 1 unless max_steps is set")
	case c.WarmupSteps < 0:
		return errors.New("config: warmup_steps must be >= 0")
	case c.MaxSaveCheckpoints < 0:
		return errors.New("config: max_save_checkpoints must be >= 0")
	case c.EncoderBuckets < 1:
		return errors.New("config: encoder_buckets must be >= 1")
	}
	return nil
}

// EncoderName is the identifier of the encoder: the last non-empty
// segment of its path or URL.
func (c Config) EncoderName() string {
	parts := strings.FieldsFunc(c.EncoderPath, func(r rune) bool { return r == '/' })
	if len(parts) == 0 {
		return ""
	}
	return parts[len(parts)-1]
}

// ModelName encodes the run's hyperparameters into a directory-safe name.
func (c Config) ModelName() string {
	fold := c.DataDir
	if i := strings.LastIndex(fold, "_"); i >= 0 {
		fold = fold[i+1:]
	}
	prefix := fmt.Sprintf("%s_%s_kfold-%s_max_seq-%d_rnn_num_layers-%d_rnn_hidden_size-%d_batch-%d_lr-%s_warmup-%d_epoch-%d_comment-%s",
		c.EncoderName(), c.LabelVariant, fold, c.MaxSeqLength, c.RNNNumLayers, c.RNNHiddenSize,
		c.TrainBatchSize, strconv.FormatFloat(c.LearningRate, 'g', -1, 64), c.WarmupSteps, c.NumTrainEpochs, c.Comment)
	return c.TaskName + "_" + prefix
}

// RunDir is where checkpoints, the final model and results of this run live.
func (c Config) RunDir() string {
	return filepath.Join(c.OutputDir, c.ModelName())
}

// ScalarDir is where the per-run scalar ledger lives.
func (c Config) ScalarDir() string {
	return filepath.Join("runs", c.ModelName())
}

// IsMain reports whether this process owns shared side effects.
func (c Config) IsMain() bool {
	return c.LocalRank == -1 || c.LocalRank == 0
}

// JSON renders the config for persisting alongside checkpoints.
func (c Config) JSON() (json.RawMessage, error) {
	return json.MarshalIndent(c, "", "  ")
}
