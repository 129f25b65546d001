package model

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/Brownie44l1/knee-cdss/internal/apperr"
	"github.com/Brownie44l1/knee-cdss/internal/config"
	"github.com/Brownie44l1/knee-cdss/internal/logging"
	"github.com/Brownie44l1/knee-cdss/internal/tensor"
)

type stubHandle struct {
	task  Task
	logit float32
}

func (s stubHandle) Task() Task                             { return s.task }
func (s stubHandle) Logit(*tensor.Tensor) (float32, error) { return s.logit, nil }

type stubExplainer struct {
	stubHandle
	act      *Activation
	err      error
	panicMsg string
	released *bool
}

func (s stubExplainer) Gradients(*tensor.Tensor) (*Activation, func(), error) {
	if s.panicMsg != "" {
		panic(s.panicMsg)
	}
	if s.err != nil {
		return nil, nil, s.err
	}
	return s.act, func() { *s.released = true }, nil
}

type stubDevice struct{}

func (stubDevice) Device() string      { return DeviceCUDA }
func (stubDevice) CUDAAvailable() bool { return true }

func TestParseTask(t *testing.T) {
	for _, task := range Tasks {
		if got, ok := ParseTask(string(task)); !ok || got != task {
			t.Errorf("ParseTask(%q) = %q, %v", task, got, ok)
		}
	}
	if _, ok := ParseTask("ligament"); ok {
		t.Error("unknown task accepted")
	}
}

func TestLinearHead(t *testing.T) {
	head := &LinearHead{Weights: []float32{2, -1}, Bias: 0.5}
	// Channel 0 averages to 1, channel 1 averages to 3.
	features := []float32{0, 2, 1, 1, 3, 3, 3, 3}
	if got := head.Forward(features, 2, 2, 2); got != 2*1-1*3+0.5 {
		t.Fatalf("Forward = %v", got)
	}
	grads := head.Backward(2, 2, 2)
	for i, g := range grads {
		want := float32(0.5)
		if i >= 4 {
			want = -0.25
		}
		if g != want {
			t.Fatalf("grad[%d] = %v, want %v", i, g, want)
		}
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadMetadata(t *testing.T) {
	dir := t.TempDir()

	good := filepath.Join(dir, "acl_model.json")
	writeFile(t, good, `{"features_output":"layer4","feature_shape":[1,2,8,8],"head":{"weights":[0.1,0.2],"bias":-1}}`)
	meta, err := LoadMetadata(good)
	if err != nil {
		t.Fatalf("LoadMetadata: %v", err)
	}
	if meta.InputName != "input" || meta.LogitOutput != "logit" || !meta.Explainable() {
		t.Fatalf("meta = %+v", meta)
	}

	bad := filepath.Join(dir, "bad.json")
	writeFile(t, bad, `{"features_output":"layer4","feature_shape":[1,3,8,8],"head":{"weights":[0.1],"bias":0}}`)
	if _, err := LoadMetadata(bad); err == nil {
		t.Fatal("expected error for head/feature mismatch")
	}

	if _, err := LoadMetadata(filepath.Join(dir, "missing.json")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("missing sidecar err = %v", err)
	}
}

func TestSidecarPath(t *testing.T) {
	if got := SidecarPath("models/acl_model.onnx"); got != "models/acl_model.json" {
		t.Fatalf("SidecarPath = %q", got)
	}
}

func TestLoadSkipsMissingAndFailed(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "acl.onnx"), "x")
	writeFile(t, filepath.Join(dir, "abnormal.onnx"), "x")
	cfg := config.ModelsConfig{
		Dir: dir,
		Files: map[string]string{
			"acl":      "acl.onnx",
			"meniscus": "meniscus.onnx",
			"abnormal": "abnormal.onnx",
		},
	}
	var asked []Task
	load := func(task Task, modelPath, metaPath string) (Handle, error) {
		asked = append(asked, task)
		if task == TaskAbnormal {
			return nil, errors.New("corrupt weights")
		}
		if metaPath != filepath.Join(dir, "acl.json") {
			t.Errorf("metaPath = %q", metaPath)
		}
		return stubHandle{task: task}, nil
	}

	reg := Load(cfg, stubDevice{}, load, logging.Nop())
	if reg.Len() != 1 {
		t.Fatalf("Len = %d, want 1", reg.Len())
	}
	if len(asked) != 2 {
		t.Fatalf("loader called for %v, missing files must be skipped before loading", asked)
	}
	if _, ok := reg.Get(TaskACL); !ok {
		t.Fatal("acl not loaded")
	}
	status := reg.Status()
	if status["acl"] != "loaded" || status["meniscus"] != "missing" || status["abnormal"] != "missing" {
		t.Fatalf("status = %v", status)
	}
	if reg.Device() != DeviceCUDA || !reg.CUDAAvailable() {
		t.Fatalf("device = %s, cuda = %v", reg.Device(), reg.CUDAAvailable())
	}
}

func TestLoadEmptyDirIsDegraded(t *testing.T) {
	reg := Load(config.DefaultConfig().Models, nil, func(Task, string, string) (Handle, error) {
		t.Fatal("loader must not be called")
		return nil, nil
	}, logging.Nop())
	if reg.Len() != 0 || len(reg.Loaded()) != 0 {
		t.Fatalf("expected empty registry, got %v", reg.Loaded())
	}
	if reg.Device() != DeviceCPU {
		t.Fatalf("device = %s", reg.Device())
	}
}

func TestLoadedFollowsScoringOrder(t *testing.T) {
	reg := NewRegistry(nil,
		stubHandle{task: TaskAbnormal},
		stubHandle{task: TaskACL},
		stubHandle{task: TaskMeniscus},
	)
	got := reg.Loaded()
	for i, task := range Tasks {
		if got[i] != task {
			t.Fatalf("Loaded = %v, want %v", got, Tasks)
		}
	}
}

func TestWithGradients(t *testing.T) {
	in := tensor.New(3, 4, 4)
	act := &Activation{C: 1, H: 2, W: 2, Features: []float32{1, 2, 3, 4}, Grads: []float32{1, 1, 1, 1}}

	t.Run("success releases buffers", func(t *testing.T) {
		released := false
		h := stubExplainer{stubHandle: stubHandle{task: TaskACL}, act: act, released: &released}
		var seen int
		err := WithGradients(h, in, func(a *Activation) error {
			seen = a.C
			if released {
				t.Error("buffers released before fn ran")
			}
			return nil
		})
		if err != nil || seen != 1 || !released {
			t.Fatalf("err = %v, seen = %d, released = %v", err, seen, released)
		}
	})

	t.Run("panic becomes saliency error", func(t *testing.T) {
		h := stubExplainer{stubHandle: stubHandle{task: TaskACL}, panicMsg: "boom"}
		err := WithGradients(h, in, func(*Activation) error { return nil })
		if !errors.Is(err, apperr.ErrSaliency) {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("panic in callback releases buffers", func(t *testing.T) {
		released := false
		h := stubExplainer{stubHandle: stubHandle{task: TaskACL}, act: act, released: &released}
		err := WithGradients(h, in, func(*Activation) error { panic("bad map") })
		if !errors.Is(err, apperr.ErrSaliency) || !released {
			t.Fatalf("err = %v, released = %v", err, released)
		}
	})

	t.Run("runtime failure", func(t *testing.T) {
		h := stubExplainer{stubHandle: stubHandle{task: TaskACL}, err: errors.New("no output")}
		if err := WithGradients(h, in, func(*Activation) error { return nil }); !errors.Is(err, apperr.ErrSaliency) {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("plain handle", func(t *testing.T) {
		err := WithGradients(stubHandle{task: TaskMeniscus}, in, func(*Activation) error { return nil })
		if !errors.Is(err, apperr.ErrSaliency) {
			t.Fatalf("err = %v", err)
		}
	})
}
