// Package modeldir implements the on-disk model directory convention: a root
// directory plus library/ and custom/ subdirectories holding packaged model
// files, with optional vision projectors placed beside their base model.
package modeldir

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"fleetllm/internal/common/fsutil"
	"fleetllm/internal/provider"
)

const (
	// Ext is the packaged-model file extension.
	Ext = ".gguf"
	// LibraryDir holds curated downloads.
	LibraryDir = "library"
	// CustomDir holds user-supplied and pulled models.
	CustomDir = "custom"
	// ProjectorPrefix marks a vision-projector file.
	ProjectorPrefix = "mmproj"
	// EnvRoot overrides the configured model root directory.
	EnvRoot = "FLEETLLM_MODELS_DIR"
)

// Layout is a model root directory.
type Layout struct {
	Root string
}

// New returns a Layout rooted at root ('~' expanded, made absolute).
func New(root string) (Layout, error) {
	if strings.TrimSpace(root) == "" {
		return Layout{}, fmt.Errorf("empty models dir")
	}
	abs, err := fsutil.AbsPath(root)
	if err != nil {
		return Layout{}, err
	}
	return Layout{Root: abs}, nil
}

// RootFromEnv returns the EnvRoot override when set, else def.
func RootFromEnv(def string) string {
	if v := strings.TrimSpace(os.Getenv(EnvRoot)); v != "" {
		return v
	}
	return def
}

func (l Layout) Library() string { return filepath.Join(l.Root, LibraryDir) }
func (l Layout) Custom() string  { return filepath.Join(l.Root, CustomDir) }

// SearchDirs lists the directories searched for a bare file name, in order.
func (l Layout) SearchDirs() []string {
	return []string{l.Root, l.Library(), l.Custom()}
}

// IsModelFile reports whether name is a packaged model (not a projector).
func IsModelFile(name string) bool {
	base := strings.ToLower(filepath.Base(name))
	return strings.HasSuffix(base, Ext) && !strings.HasPrefix(base, ProjectorPrefix)
}

// Find locates a model file by name. Names may carry a relative
// subdirectory (e.g. "library/x.gguf"); bare names are searched in root,
// library/ and custom/ in that order.
func (l Layout) Find(name string) (string, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", false
	}
	if strings.ContainsRune(name, '/') || strings.ContainsRune(name, filepath.Separator) {
		p := filepath.Join(l.Root, filepath.FromSlash(name))
		if fsutil.Within(l.Root, p) && fsutil.IsFile(p) {
			return p, true
		}
		name = filepath.Base(name)
	}
	for _, dir := range l.SearchDirs() {
		p := filepath.Join(dir, name)
		if fsutil.IsFile(p) {
			return p, true
		}
	}
	return "", false
}

// Entry is a model file found by Scan.
type Entry struct {
	Name         string
	Path         string
	RelPath      string
	Size         int64
	ModTime      time.Time
	Custom       bool
	Architecture string
	Quantization string
	Digest       string
}

// Descriptor converts the entry for providerName.
func (e Entry) Descriptor(providerName string) provider.ModelDescriptor {
	return provider.ModelDescriptor{
		Name:         e.Name,
		Provider:     providerName,
		Path:         e.Path,
		Size:         e.Size,
		Digest:       e.Digest,
		ModifiedAt:   e.ModTime,
		Architecture: e.Architecture,
		Quantization: e.Quantization,
		Custom:       e.Custom,
	}
}

// Scan lists model files in library/, custom/ and the root (one level each).
// A missing root yields an empty result, not an error.
func (l Layout) Scan() ([]Entry, error) {
	if !fsutil.IsDir(l.Root) {
		return nil, nil
	}
	var out []Entry
	seen := map[string]bool{}
	for _, dir := range []string{l.Library(), l.Custom(), l.Root} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("read dir %s: %w", dir, err)
		}
		for _, de := range entries {
			if de.IsDir() || !IsModelFile(de.Name()) {
				continue
			}
			p := filepath.Join(dir, de.Name())
			if seen[p] {
				continue
			}
			seen[p] = true
			fi, err := de.Info()
			if err != nil {
				continue
			}
			rel, _ := filepath.Rel(l.Root, p)
			out = append(out, Entry{
				Name:         de.Name(),
				Path:         p,
				RelPath:      filepath.ToSlash(rel),
				Size:         fi.Size(),
				ModTime:      fi.ModTime(),
				Custom:       dir == l.Custom(),
				Architecture: Architecture(de.Name()),
				Quantization: Quantization(de.Name()),
				Digest:       SampledDigest(p, fi.Size()),
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RelPath < out[j].RelPath })
	return out, nil
}

// HasModels reports whether any model file exists in root, library/ or custom/.
func (l Layout) HasModels() bool {
	for _, dir := range l.SearchDirs() {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, de := range entries {
			if !de.IsDir() && IsModelFile(de.Name()) {
				return true
			}
		}
	}
	return false
}

// FindProjector returns the first vision projector beside modelPath, or "".
func FindProjector(modelPath string) string {
	dir := filepath.Dir(modelPath)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	for _, de := range entries {
		n := strings.ToLower(de.Name())
		if !de.IsDir() && strings.HasPrefix(n, ProjectorPrefix) && strings.HasSuffix(n, Ext) {
			return filepath.Join(dir, de.Name())
		}
	}
	return ""
}

// Delete removes the model file named name. It reports false when no such
// file exists. Paths escaping the root are rejected.
func (l Layout) Delete(name string) (string, bool, error) {
	p, ok := l.Find(name)
	if !ok {
		return "", false, nil
	}
	if !fsutil.Within(l.Root, p) {
		return "", false, provider.ErrInvalidArgument("model path outside models dir: %s", name)
	}
	if err := os.Remove(p); err != nil {
		return p, false, fmt.Errorf("delete %s: %w", p, err)
	}
	return p, true, nil
}
