package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// A stand-in for llama-server. Behaviour is keyed off the model file name:
// "crash" exits before becoming ready, "silent" never reports ready.
func main() {
	var model, host, port, mmproj string
	var ngl, ctxSize, threads, batch, ubatch, slots int
	var flashAttn bool
	flag.StringVar(&model, "m", "", "model path")
	flag.StringVar(&host, "host", "127.0.0.1", "host")
	flag.StringVar(&port, "port", "0", "port")
	flag.StringVar(&mmproj, "mmproj", "", "projector")
	flag.IntVar(&ngl, "ngl", 0, "gpu layers")
	flag.IntVar(&ctxSize, "ctx-size", 0, "context")
	flag.IntVar(&threads, "t", 0, "threads")
	flag.IntVar(&batch, "b", 0, "batch")
	flag.IntVar(&ubatch, "ub", 0, "ubatch")
	flag.IntVar(&slots, "np", 0, "parallel")
	flag.BoolVar(&flashAttn, "flash-attn", false, "flash attention")
	flag.Parse()

	name := filepath.Base(model)
	fmt.Printf("build: fake llama-server, model=%s ctx=%d ngl=%d mmproj=%q\n", name, ctxSize, ngl, filepath.Base(mmproj))
	if strings.Contains(name, "crash") {
		fmt.Fprintln(os.Stderr, "error: failed to load model")
		os.Exit(1)
	}
	silent := strings.Contains(name, "silent")

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if silent {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Stream   bool `json:"stream"`
			Messages []struct {
				Role    string          `json:"role"`
				Content json.RawMessage `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var user string
		var images int
		var system string
		for _, m := range req.Messages {
			var s string
			if json.Unmarshal(m.Content, &s) == nil {
				if m.Role == "system" {
					system = s
				} else {
					user = s
				}
				continue
			}
			var parts []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			}
			_ = json.Unmarshal(m.Content, &parts)
			for _, p := range parts {
				if p.Type == "image_url" {
					images++
				} else {
					user = p.Text
				}
			}
		}
		words := []string{"hello", " from ", name}
		if images > 0 {
			words = append(words, fmt.Sprintf(" saw %d images", images))
		}
		if system != "" {
			words = append(words, " as "+system)
		}
		if user == "slow" {
			words = make([]string, 200)
			for i := range words {
				words[i] = "."
			}
		}
		if !req.Stream {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"choices": []any{map[string]any{"message": map[string]any{"role": "assistant", "content": strings.Join(words, "")}, "finish_reason": "stop"}},
			})
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fl, _ := w.(http.Flusher)
		for _, word := range words {
			b, _ := json.Marshal(map[string]any{"choices": []any{map[string]any{"delta": map[string]any{"content": word}}}})
			if _, err := fmt.Fprintf(w, "data: %s\n\n", b); err != nil {
				return
			}
			if fl != nil {
				fl.Flush()
			}
			if user == "slow" {
				time.Sleep(20 * time.Millisecond)
			}
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	})
	mux.HandleFunc("/v1/embeddings", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Input []string `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		data := make([]any, len(req.Input))
		for i, in := range req.Input {
			data[i] = map[string]any{"index": i, "embedding": []float32{float32(len(in)), float32(i), 1}}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
	})

	ln, err := net.Listen("tcp", net.JoinHostPort(host, port))
	if err != nil {
		fmt.Fprintln(os.Stderr, "listen:", err)
		os.Exit(1)
	}
	srv := &http.Server{Handler: mux}
	go func() { _ = srv.Serve(ln) }()
	fmt.Printf("main: HTTP server is listening, hostname: %s, port: %s\n", host, port)
	if !silent {
		fmt.Println("main: model loaded")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	<-sigCh
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}
