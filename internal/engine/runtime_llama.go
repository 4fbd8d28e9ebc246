//go:build llama

package engine

import (
	"context"
	"errors"
	"strings"

	llama "github.com/go-skynet/go-llama.cpp"
)

type llamaRuntime struct{}

// NativeRuntime returns the go-llama.cpp binding.
func NativeRuntime() Runtime { return llamaRuntime{} }

func (llamaRuntime) Name() string    { return "go-llama.cpp" }
func (llamaRuntime) Available() bool { return true }

func (llamaRuntime) Load(path string, opts LoadOptions) (Model, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("model path is empty")
	}
	mo := []llama.ModelOption{llama.SetContext(opts.ContextSize)}
	if opts.GPULayers > 0 {
		mo = append(mo, llama.SetGPULayers(opts.GPULayers))
	}
	if opts.BatchSize > 0 {
		mo = append(mo, llama.SetNBatch(opts.BatchSize))
	}
	m, err := llama.New(path, mo...)
	if err != nil {
		return nil, err
	}
	return &llamaModel{m: m, load: opts}, nil
}

type llamaModel struct {
	m    *llama.LLama
	load LoadOptions
}

func (s *llamaModel) Generate(ctx context.Context, prompt string, opts GenerateOptions, onToken func(string) bool) error {
	if s.m == nil {
		return errors.New("llama model not initialized")
	}
	s.m.SetTokenCallback(func(tok string) bool {
		select {
		case <-ctx.Done():
			return false
		default:
		}
		return onToken(tok)
	})
	defer s.m.SetTokenCallback(nil)
	if _, err := s.m.Predict(prompt, predictOptions(opts, s.load)...); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

func (s *llamaModel) Close() error {
	if s.m != nil {
		s.m.Free()
		s.m = nil
	}
	return nil
}

// predictOptions maps resolved options onto go-llama.cpp. The binding has no
// min-P sampler, so MinP is ignored here.
func predictOptions(o GenerateOptions, load LoadOptions) []llama.PredictOption {
	threads := o.Threads
	if threads <= 0 {
		threads = load.Threads
	}
	po := []llama.PredictOption{
		llama.SetTokens(max(1, o.MaxTokens)),
		llama.SetThreads(max(1, threads)),
		llama.SetTopP(zf(o.TopP, llama.DefaultOptions.TopP)),
		llama.SetTopK(zn(o.TopK, llama.DefaultOptions.TopK)),
		llama.SetTemperature(zf(o.Temperature, llama.DefaultOptions.Temperature)),
		llama.SetPenalty(zf(o.RepeatPenalty, llama.DefaultOptions.Penalty)),
	}
	if o.Seed > 0 {
		po = append(po, llama.SetSeed(o.Seed))
	}
	if len(o.Stop) > 0 {
		po = append(po, llama.SetStopWords(o.Stop...))
	}
	if o.Mirostat > 0 {
		po = append(po, llama.SetMirostat(o.Mirostat))
		if o.MirostatTau > 0 {
			po = append(po, llama.SetMirostatTAU(o.MirostatTau))
		}
		if o.MirostatEta > 0 {
			po = append(po, llama.SetMirostatETA(o.MirostatEta))
		}
	}
	if o.TFSZ > 0 {
		po = append(po, llama.SetTailFreeSamplingZ(o.TFSZ))
	}
	if o.TypicalP > 0 {
		po = append(po, llama.SetTypicalP(o.TypicalP))
	}
	if o.PresencePenalty != 0 {
		po = append(po, llama.SetPresencePenalty(o.PresencePenalty))
	}
	if o.FrequencyPenalty != 0 {
		po = append(po, llama.SetFrequencyPenalty(o.FrequencyPenalty))
	}
	if load.RopeFreqBase > 0 {
		po = append(po, llama.SetRopeFreqBase(load.RopeFreqBase))
	}
	if load.RopeFreqScale > 0 {
		po = append(po, llama.SetRopeFreqScale(load.RopeFreqScale))
	}
	return po
}

func zf(v, def float32) float32 {
	if v == 0 {
		return def
	}
	return v
}

func zn(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}
