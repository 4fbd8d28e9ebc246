package modeldir

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"fleetllm/internal/provider"
)

// Puller downloads model files into the custom/ directory.
type Puller struct {
	Layout Layout
	// Catalog maps logical names to download URLs.
	Catalog map[string]string
	// BaseURL, when set, resolves "<name>.gguf" to BaseURL + "/" + name.
	BaseURL string
	Client  *http.Client
	Logger  zerolog.Logger
	// ProgressEvery is the minimum number of bytes between progress reports.
	ProgressEvery int64
}

// NewPuller returns a Puller with an HTTP client that relies on
// context deadlines for the whole transfer.
func NewPuller(l Layout, catalog map[string]string, baseURL string, logger zerolog.Logger) *Puller {
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 60 * time.Second,
	}
	return &Puller{
		Layout:        l,
		Catalog:       catalog,
		BaseURL:       strings.TrimRight(baseURL, "/"),
		Client:        &http.Client{Transport: tr, Timeout: 0},
		Logger:        logger,
		ProgressEvery: 8 << 20,
	}
}

// source resolves name to a download URL and a target file name.
func (p *Puller) source(name string) (string, string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", "", provider.ErrInvalidArgument("empty model name")
	}
	raw := name
	if u, ok := p.Catalog[name]; ok {
		raw = u
	} else if !strings.HasPrefix(name, "http://") && !strings.HasPrefix(name, "https://") {
		if p.BaseURL == "" || !strings.HasSuffix(strings.ToLower(name), Ext) {
			return "", "", provider.ErrModelNotFound(name)
		}
		raw = p.BaseURL + "/" + strings.TrimLeft(name, "/")
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "", "", provider.ErrInvalidArgument("bad model url %q", raw)
	}
	file := path.Base(u.Path)
	if !IsModelFile(file) {
		return "", "", provider.ErrInvalidArgument("url does not name a %s file: %s", Ext, raw)
	}
	return u.String(), file, nil
}

// Pull downloads name into custom/ and returns the final path. A file that
// already exists is left untouched.
func (p *Puller) Pull(ctx context.Context, name string, progress provider.ProgressFunc) (string, error) {
	if progress == nil {
		progress = func(provider.PullProgress) {}
	}
	src, file, err := p.source(name)
	if err != nil {
		return "", err
	}
	dst := filepath.Join(p.Layout.Custom(), file)
	if _, ok := p.Layout.Find(file); ok {
		progress(provider.PullProgress{Status: "exists", Model: file, Message: "model already present"})
		return dst, nil
	}
	if err := os.MkdirAll(p.Layout.Custom(), 0o755); err != nil {
		return "", fmt.Errorf("create custom dir: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return "", err
	}
	progress(provider.PullProgress{Status: "downloading", Model: file, Message: src})
	resp, err := p.Client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", provider.ErrTransport("pull", file, provider.StageRequest, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return "", provider.ErrModelNotFound(name)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", provider.ErrTransport("pull", file, provider.StageRequest, fmt.Errorf("http %s", resp.Status))
	}

	part := dst + ".part"
	f, err := os.Create(part)
	if err != nil {
		return "", err
	}
	pw := &progressWriter{total: resp.ContentLength, every: p.ProgressEvery, model: file, report: progress}
	_, copyErr := io.Copy(f, io.TeeReader(resp.Body, pw))
	closeErr := f.Close()
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		_ = os.Remove(part)
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", provider.ErrTransport("pull", file, provider.StageRequest, copyErr)
	}
	if err := os.Rename(part, dst); err != nil {
		_ = os.Remove(part)
		return "", err
	}
	p.Logger.Info().Str("model", file).Str("size", humanize.IBytes(uint64(pw.done))).Msg("model pulled")
	progress(provider.PullProgress{Status: "success", Model: file, Completed: pw.done, Total: pw.done})
	return dst, nil
}

type progressWriter struct {
	total, done, last, every int64
	model                    string
	report                   provider.ProgressFunc
}

func (w *progressWriter) Write(b []byte) (int, error) {
	w.done += int64(len(b))
	if w.done-w.last >= w.every {
		w.last = w.done
		msg := humanize.IBytes(uint64(w.done))
		if w.total > 0 {
			msg += " / " + humanize.IBytes(uint64(w.total))
		}
		w.report(provider.PullProgress{Status: "downloading", Model: w.model, Completed: w.done, Total: w.total, Message: msg})
	}
	return len(b), nil
}
