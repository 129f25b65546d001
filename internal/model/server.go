package model

import (
	"fmt"
	"strconv"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"github.com/Brownie44l1/knee-cdss/internal/config"
	"github.com/Brownie44l1/knee-cdss/internal/tensor"
)

const (
	DeviceCPU  = "cpu"
	DeviceCUDA = "cuda"
)

// Runtime owns the process-wide onnxruntime environment and the compute
// device chosen at startup.
type Runtime struct {
	device        string
	cudaDeviceID  int
	cudaAvailable bool
	intraThreads  int
}

var initOnce sync.Once
var initErr error

// NewRuntime initializes onnxruntime once per process and resolves the
// configured device. "auto" probes the CUDA provider and falls back to CPU.
func NewRuntime(cfg config.RuntimeConfig, log *zap.SugaredLogger) (*Runtime, error) {
	initOnce.Do(func() {
		if cfg.SharedLibraryPath != "" {
			ort.SetSharedLibraryPath(cfg.SharedLibraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			initErr = fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
	})
	if initErr != nil {
		return nil, initErr
	}

	rt := &Runtime{cudaDeviceID: cfg.CUDADeviceID, intraThreads: cfg.IntraThreads}
	probeErr := rt.probeCUDA()
	rt.cudaAvailable = probeErr == nil

	switch cfg.Device {
	case DeviceCUDA:
		if probeErr != nil {
			return nil, fmt.Errorf("cuda requested but unavailable: %w", probeErr)
		}
		rt.device = DeviceCUDA
	case DeviceCPU:
		rt.device = DeviceCPU
	default:
		rt.device = DeviceCPU
		if rt.cudaAvailable {
			rt.device = DeviceCUDA
		} else {
			log.Infow("CUDA provider unavailable, using CPU", "reason", probeErr)
		}
	}
	log.Infow("onnxruntime ready", "device", rt.device, "cuda_available", rt.cudaAvailable)
	return rt, nil
}

func (rt *Runtime) Device() string      { return rt.device }
func (rt *Runtime) CUDAAvailable() bool { return rt.cudaAvailable }

func (rt *Runtime) probeCUDA() error {
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return err
	}
	defer opts.Destroy()
	return rt.appendCUDA(opts)
}

func (rt *Runtime) appendCUDA(opts *ort.SessionOptions) error {
	cuda, err := ort.NewCUDAProviderOptions()
	if err != nil {
		return err
	}
	defer cuda.Destroy()
	if err := cuda.Update(map[string]string{"device_id": strconv.Itoa(rt.cudaDeviceID)}); err != nil {
		return err
	}
	return opts.AppendExecutionProviderCUDA(cuda)
}

func (rt *Runtime) sessionOptions() (*ort.SessionOptions, error) {
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	if rt.intraThreads > 0 {
		if err := opts.SetIntraOpNumThreads(rt.intraThreads); err != nil {
			opts.Destroy()
			return nil, fmt.Errorf("failed to set intra-op threads: %w", err)
		}
	}
	if rt.device == DeviceCUDA {
		if err := rt.appendCUDA(opts); err != nil {
			opts.Destroy()
			return nil, fmt.Errorf("failed to enable CUDA provider: %w", err)
		}
	}
	return opts, nil
}

// Close tears down the onnxruntime environment. Handles must be closed
// first.
func (rt *Runtime) Close() error {
	return ort.DestroyEnvironment()
}

// ONNXModel is a classifier backed by two dynamic sessions over the same
// network: one binding only the logit, one also binding the feature map for
// the gradient pass. Dynamic sessions allocate tensors per call, so Logit and
// Gradients may run concurrently.
type ONNXModel struct {
	task     Task
	Metadata Metadata
	infer    *ort.DynamicAdvancedSession
	explain  *ort.DynamicAdvancedSession
}

func NewONNXModel(rt *Runtime, task Task, modelPath string, meta Metadata) (*ONNXModel, error) {
	opts, err := rt.sessionOptions()
	if err != nil {
		return nil, err
	}
	defer opts.Destroy()

	infer, err := ort.NewDynamicAdvancedSession(modelPath,
		[]string{meta.InputName}, []string{meta.LogitOutput}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}
	m := &ONNXModel{task: task, Metadata: meta, infer: infer}

	if meta.Explainable() {
		explain, err := ort.NewDynamicAdvancedSession(modelPath,
			[]string{meta.InputName}, []string{meta.LogitOutput, meta.FeaturesOutput}, opts)
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("failed to create gradient session: %w", err)
		}
		m.explain = explain
	}
	return m, nil
}

func (m *ONNXModel) Task() Task { return m.task }

func (m *ONNXModel) Logit(in *tensor.Tensor) (float32, error) {
	input, err := m.input(in)
	if err != nil {
		return 0, err
	}
	defer input.Destroy()

	outputs := []ort.Value{nil}
	if err := m.infer.Run([]ort.Value{input}, outputs); err != nil {
		return 0, fmt.Errorf("inference failed: %w", err)
	}
	defer destroyAll(outputs)
	return scalar(outputs[0])
}

// Gradients runs the network with the feature map bound and derives the
// gradient of the logit from the pooled linear head. The returned release
// func frees the runtime buffers backing Features.
func (m *ONNXModel) Gradients(in *tensor.Tensor) (*Activation, func(), error) {
	if m.explain == nil {
		return nil, nil, fmt.Errorf("model %s exports no feature map", m.task)
	}
	input, err := m.input(in)
	if err != nil {
		return nil, nil, err
	}
	outputs := []ort.Value{nil, nil}
	release := func() {
		destroyAll(outputs)
		input.Destroy()
	}
	if err := m.explain.Run([]ort.Value{input}, outputs); err != nil {
		release()
		return nil, nil, fmt.Errorf("gradient pass failed: %w", err)
	}

	feat, ok := outputs[1].(*ort.Tensor[float32])
	if !ok {
		release()
		return nil, nil, fmt.Errorf("feature output %q is not float32", m.Metadata.FeaturesOutput)
	}
	shape := feat.GetShape()
	if len(shape) != 4 || shape[0] != 1 {
		release()
		return nil, nil, fmt.Errorf("feature output shape %v, want [1 C h w]", shape)
	}
	c, h, w := int(shape[1]), int(shape[2]), int(shape[3])
	if c != len(m.Metadata.Head.Weights) {
		release()
		return nil, nil, fmt.Errorf("feature map has %d channels, head has %d weights", c, len(m.Metadata.Head.Weights))
	}
	return &Activation{
		C: c, H: h, W: w,
		Features: feat.GetData(),
		Grads:    m.Metadata.Head.Backward(c, h, w),
	}, release, nil
}

func (m *ONNXModel) input(in *tensor.Tensor) (*ort.Tensor[float32], error) {
	want := m.Metadata.InputShape
	got := in.Shape()
	for i := range want {
		if want[i] > 0 && want[i] != got[i] {
			return nil, fmt.Errorf("input shape %v, model expects %v", got, want)
		}
	}
	t, err := ort.NewTensor(ort.NewShape(got...), in.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	return t, nil
}

func (m *ONNXModel) Close() error {
	if m.infer != nil {
		m.infer.Destroy()
	}
	if m.explain != nil {
		m.explain.Destroy()
	}
	return nil
}

func scalar(v ort.Value) (float32, error) {
	t, ok := v.(*ort.Tensor[float32])
	if !ok {
		return 0, fmt.Errorf("logit output is not a float32 tensor")
	}
	data := t.GetData()
	if len(data) == 0 {
		return 0, fmt.Errorf("logit output is empty")
	}
	return data[0], nil
}

func destroyAll(values []ort.Value) {
	for _, v := range values {
		if v != nil {
			v.Destroy()
		}
	}
}
