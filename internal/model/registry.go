package model

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/Brownie44l1/knee-cdss/internal/config"
)

// Loader builds the handle for one task from its artifact and sidecar paths.
type Loader func(task Task, modelPath, metaPath string) (Handle, error)

// DeviceInfo describes where handles execute.
type DeviceInfo interface {
	Device() string
	CUDAAvailable() bool
}

// Registry is the set of loaded handles. It is built once at startup and
// never modified, so it is shared across requests without locking.
type Registry struct {
	handles       map[Task]Handle
	device        string
	cudaAvailable bool
}

// NewRegistry wraps already constructed handles. A later handle for the same
// task replaces an earlier one.
func NewRegistry(dev DeviceInfo, handles ...Handle) *Registry {
	r := &Registry{handles: make(map[Task]Handle, len(handles)), device: DeviceCPU}
	if dev != nil {
		r.device = dev.Device()
		r.cudaAvailable = dev.CUDAAvailable()
	}
	for _, h := range handles {
		r.handles[h.Task()] = h
	}
	return r
}

// Load resolves every configured task under cfg.Dir. A missing artifact only
// omits its task; a failed load is logged and omitted too. An empty registry
// is a valid, degraded result.
func Load(cfg config.ModelsConfig, dev DeviceInfo, load Loader, log *zap.SugaredLogger) *Registry {
	var handles []Handle
	for _, task := range Tasks {
		file, ok := cfg.Files[string(task)]
		if !ok {
			continue
		}
		modelPath := filepath.Join(cfg.Dir, file)
		if _, err := os.Stat(modelPath); err != nil {
			log.Warnw("model artifact not found, task disabled", "task", task, "path", modelPath)
			continue
		}
		h, err := load(task, modelPath, SidecarPath(modelPath))
		if err != nil {
			log.Errorw("failed to load model, task disabled", "task", task, "path", modelPath, "error", err)
			continue
		}
		log.Infow("model loaded", "task", task, "path", modelPath)
		handles = append(handles, h)
	}
	r := NewRegistry(dev, handles...)
	if r.Len() == 0 {
		log.Warnw("no models loaded, service is degraded", "dir", cfg.Dir)
	}
	return r
}

// SidecarPath maps models/acl_model.onnx to models/acl_model.json.
func SidecarPath(modelPath string) string {
	return strings.TrimSuffix(modelPath, filepath.Ext(modelPath)) + ".json"
}

// ONNXLoader loads handles through rt. A missing sidecar falls back to the
// default tensor names, which disables saliency for that task.
func ONNXLoader(rt *Runtime, log *zap.SugaredLogger) Loader {
	return func(task Task, modelPath, metaPath string) (Handle, error) {
		meta, err := LoadMetadata(metaPath)
		if errors.Is(err, fs.ErrNotExist) {
			log.Warnw("metadata sidecar missing, saliency disabled", "task", task, "path", metaPath)
			meta = Metadata{}
			meta.applyDefaults()
		} else if err != nil {
			return nil, err
		}
		return NewONNXModel(rt, task, modelPath, meta)
	}
}

func (r *Registry) Get(task Task) (Handle, bool) {
	h, ok := r.handles[task]
	return h, ok
}

func (r *Registry) Len() int { return len(r.handles) }

// Loaded lists the loaded tasks in scoring order.
func (r *Registry) Loaded() []Task {
	out := make([]Task, 0, len(r.handles))
	for _, t := range Tasks {
		if _, ok := r.handles[t]; ok {
			out = append(out, t)
		}
	}
	return out
}

// Status reports loaded or missing for every known task.
func (r *Registry) Status() map[string]string {
	out := make(map[string]string, len(Tasks))
	for _, t := range Tasks {
		if _, ok := r.handles[t]; ok {
			out[string(t)] = "loaded"
		} else {
			out[string(t)] = "missing"
		}
	}
	return out
}

func (r *Registry) Device() string      { return r.device }
func (r *Registry) CUDAAvailable() bool { return r.cudaAvailable }

func (r *Registry) Close() error {
	var errs []error
	for _, h := range r.handles {
		if c, ok := h.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
