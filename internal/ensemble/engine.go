// Package ensemble runs the loaded classifiers over an assembled input and
// aggregates their findings.
package ensemble

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"image"
	"math"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/Brownie44l1/knee-cdss/internal/apperr"
	"github.com/Brownie44l1/knee-cdss/internal/assemble"
	"github.com/Brownie44l1/knee-cdss/internal/dicomio"
	"github.com/Brownie44l1/knee-cdss/internal/model"
	"github.com/Brownie44l1/knee-cdss/internal/tensor"
)

const op = "analyze"

// Stage is a step of the per-request pipeline, logged as it is reached.
type Stage string

const (
	StageReceived   Stage = "RECEIVED"
	StageDecoded    Stage = "DECODED"
	StageNormalized Stage = "NORMALIZED"
	StageAssembled  Stage = "ASSEMBLED"
	StageScored     Stage = "SCORED"
	StageAggregated Stage = "AGGREGATED"
)

// Heatmapper renders the saliency overlay for one handle.
type Heatmapper interface {
	Heatmap(h model.Handle, in *tensor.Tensor, display *image.RGBA) (string, error)
}

type Options struct {
	InputSize     int
	SaliencyTasks []model.Task
	// CacheSize bounds the result cache; zero disables it.
	CacheSize int
}

// Input is one analysis request: one or three encoded DICOM files plus
// opaque identifiers echoed back in the metadata.
type Input struct {
	Files     [][]byte
	PatientID json.RawMessage
	ExamID    json.RawMessage
	RequestID string
}

type Engine struct {
	models    *model.Registry
	assembler *assemble.Assembler
	heatmaps  Heatmapper
	saliency  []model.Task
	cache     *lru.Cache[string, *Result]
	log       *zap.SugaredLogger
}

// New builds the engine. heatmaps may be nil to disable saliency.
func New(models *model.Registry, heatmaps Heatmapper, opts Options, log *zap.SugaredLogger) (*Engine, error) {
	e := &Engine{
		models:    models,
		assembler: assemble.New(opts.InputSize),
		heatmaps:  heatmaps,
		saliency:  opts.SaliencyTasks,
		log:       log,
	}
	if opts.CacheSize > 0 {
		cache, err := lru.New[string, *Result](opts.CacheSize)
		if err != nil {
			return nil, err
		}
		e.cache = cache
	}
	return e, nil
}

// Analyze runs the full pipeline. It fails with an unavailable error before
// touching the input when no model is loaded.
func (e *Engine) Analyze(in Input) (*Result, error) {
	if e.models.Len() == 0 {
		return nil, apperr.New(apperr.KindUnavailable, op, "No AI models loaded. Service is not ready.")
	}
	log := e.log.With("request_id", in.RequestID)
	start := time.Now()
	e.stage(log, StageReceived, "files", len(in.Files))

	if n := len(in.Files); n != 1 && n != assemble.Channels {
		return nil, apperr.New(apperr.KindRank, op, "expected 1 or 3 DICOM files, got %d", n)
	}

	key := cacheKey(in.Files)
	if e.cache != nil {
		if cached, ok := e.cache.Get(key); ok {
			log.Infow("serving cached analysis", "key", key[:12])
			return withRequest(cached, in), nil
		}
	}

	sources := make([][]dicomio.RawSlice, len(in.Files))
	for i, data := range in.Files {
		slices, info, err := dicomio.DecodeWithInfo(data)
		if err != nil {
			return nil, err
		}
		log.Debugw("decoded", "file", i, "shape", info.Shape(), "bits_stored", info.BitsStored, "forced", info.Forced)
		sources[i] = slices
	}
	e.stage(log, StageDecoded)

	asm, err := e.assembler.Assemble(sources)
	if err != nil {
		return nil, err
	}
	e.stage(log, StageNormalized)
	e.stage(log, StageAssembled, "mode", asm.Mode, "indices", asm.Indices)

	res := &Result{Success: true, Threshold: Threshold}
	used := make([]string, 0, len(model.Tasks))
	raw := make(map[model.Task]float64, len(model.Tasks))
	for _, task := range e.models.Loaded() {
		h, _ := e.models.Get(task)
		logit, err := h.Logit(asm.Tensor)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, op, err, "scoring %s", task)
		}
		if math.IsNaN(float64(logit)) || math.IsInf(float64(logit), 0) {
			return nil, apperr.New(apperr.KindInternal, op, "scoring %s: non-finite logit %v", task, logit)
		}
		p := Sigmoid(float64(logit))
		raw[task] = p
		log.Infow("scored", "task", task, "probability", round4(p))
		res.setPrediction(task, &Prediction{
			Probability:     round4(p),
			ConfidenceLevel: Band(p),
			Heatmap:         e.heatmap(log, h, asm),
		})
		used = append(used, string(task))
	}
	e.stage(log, StageScored, "models", used)

	res.AbnormalProbability, res.AbnormalDetected = aggregate(res, raw)
	res.Metadata = metadataFor(in, asm, used)
	e.stage(log, StageAggregated,
		"abnormal_probability", res.AbnormalProbability,
		"abnormal_detected", res.AbnormalDetected,
		"elapsed", time.Since(start))

	if e.cache != nil {
		e.cache.Add(key, res)
	}
	return withRequest(res, in), nil
}

// aggregate prefers the dedicated abnormality model, thresholded on its
// unrounded probability, and otherwise falls back to the highest of the
// reported ligament and meniscus probabilities.
func aggregate(res *Result, raw map[model.Task]float64) (float64, bool) {
	if p, ok := raw[model.TaskAbnormal]; ok {
		return round4(p), p >= Threshold
	}
	var p float64
	for _, task := range []model.Task{model.TaskACL, model.TaskMeniscus} {
		if pred := res.prediction(task); pred != nil && pred.Probability > p {
			p = pred.Probability
		}
	}
	return round4(p), p >= Threshold
}

func (e *Engine) heatmap(log *zap.SugaredLogger, h model.Handle, asm *assemble.Assembly) *string {
	if e.heatmaps == nil || !e.wantsSaliency(h.Task()) {
		return nil
	}
	b64, err := e.heatmaps.Heatmap(h, asm.Tensor, asm.Display)
	if err != nil {
		log.Warnw("heatmap generation failed", "task", h.Task(), "error", err)
		return nil
	}
	log.Infow("generated heatmap", "task", h.Task(), "chars", len(b64))
	return &b64
}

func (e *Engine) wantsSaliency(task model.Task) bool {
	for _, t := range e.saliency {
		if t == task {
			return true
		}
	}
	return false
}

func (e *Engine) stage(log *zap.SugaredLogger, s Stage, kv ...any) {
	log.Debugw("stage", append([]any{"stage", s}, kv...)...)
}

func metadataFor(in Input, asm *assemble.Assembly, used []string) *Metadata {
	sizes := make([]int, len(in.Files))
	total := 0
	for i, f := range in.Files {
		sizes[i] = len(f)
		total += len(f)
	}
	md := &Metadata{
		FileSizeBytes: total,
		TensorShape:   asm.Tensor.Shape(),
		Mode:          string(asm.Mode),
		SliceIndices:  asm.Indices[:],
		ModelsUsed:    used,
	}
	if len(sizes) > 1 {
		md.FileSizesBytes = sizes
	}
	return md
}

// withRequest copies res with the caller's identifiers attached. Cached
// results are shared, so they are never modified in place.
func withRequest(res *Result, in Input) *Result {
	out := *res
	if res.Metadata != nil {
		md := *res.Metadata
		md.PatientID = in.PatientID
		md.ExamID = in.ExamID
		md.RequestID = in.RequestID
		out.Metadata = &md
	}
	return &out
}

// cacheKey hashes the inputs with length prefixes so that file boundaries
// are part of the key.
func cacheKey(files [][]byte) string {
	h := sha256.New()
	var n [8]byte
	for _, f := range files {
		binary.BigEndian.PutUint64(n[:], uint64(len(f)))
		h.Write(n[:])
		h.Write(f)
	}
	return hex.EncodeToString(h.Sum(nil))
}
