package engine

import (
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"fleetllm/internal/common/fsutil"
	"fleetllm/internal/modeldir"
)

// BuiltinDefault is the last-resort model file, relative to the models root.
const BuiltinDefault = "custom/Llama-3.2-1B-Instruct-Q4_K_M.gguf"

// Resolution sources.
const (
	SourcePath    = "path"
	SourceFile    = "file"
	SourceAlias   = "alias"
	SourceFuzzy   = "fuzzy"
	SourceDefault = "default"
	SourceBuiltin = "builtin"
)

// Resolution is the outcome of mapping a requested name to a model file.
// Fallback is set when the name matched nothing and a default was used.
type Resolution struct {
	Requested string
	Path      string
	Source    string
	Fallback  bool
}

type aliasSpec struct {
	name   string
	base   string
	family string
}

// builtinAliases maps tag-style names onto whichever local file matches the
// base name or, failing that, the family.
var builtinAliases = []aliasSpec{
	{"llama3.2:1b", "llama-3.2-1b-instruct", "llama"},
	{"llama3.2:3b", "llama-3.2-3b-instruct", "llama"},
	{"llama3.1:8b", "llama-3.1-8b-instruct", "llama"},
	{"llama3:8b", "llama-3-8b-instruct", "llama"},
	{"qwen2.5:0.5b", "qwen2.5-0.5b-instruct", "qwen"},
	{"qwen2.5:1.5b", "qwen2.5-1.5b-instruct", "qwen"},
	{"qwen2.5:3b", "qwen2.5-3b-instruct", "qwen"},
	{"qwen2.5:7b", "qwen2.5-7b-instruct", "qwen"},
	{"qwen2.5:14b", "qwen2.5-14b-instruct", "qwen"},
	{"phi3:mini", "phi-3-mini", "phi"},
	{"phi3:medium", "phi-3-medium", "phi"},
	{"gemma:2b", "gemma-2b-instruct", "gemma"},
	{"gemma:7b", "gemma-7b-instruct", "gemma"},
	{"gemma2:9b", "gemma-2-9b-instruct", "gemma"},
	{"mistral:latest", "mistral-7b-instruct", "mistral"},
	{"mistral:7b", "mistral-7b-instruct", "mistral"},
	{"mistral:7b-instruct", "mistral-7b-instruct", "mistral"},
	{"deepseek-coder:6.7b", "deepseek-coder", "deepseek"},
}

// Resolver maps requested model names to files under a modeldir.Layout.
// The alias table is rebuilt by Refresh from the current directory contents.
type Resolver struct {
	layout       modeldir.Layout
	custom       map[string]string
	defaultModel string

	mu      sync.RWMutex
	files   []string          // scanned paths relative to root, sorted
	aliases map[string]string // lowercase alias -> relative path
}

// NewResolver scans layout and builds the alias table. custom aliases map a
// name to a file relative to the root and override built-ins. defaultModel
// names the file used when nothing matches.
func NewResolver(layout modeldir.Layout, custom map[string]string, defaultModel string) (*Resolver, error) {
	r := &Resolver{layout: layout, custom: custom, defaultModel: defaultModel}
	if err := r.Refresh(); err != nil {
		return nil, err
	}
	return r, nil
}

// Refresh rescans the models directory and rebuilds aliases.
func (r *Resolver) Refresh() error {
	entries, err := r.layout.Scan()
	if err != nil {
		return err
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		files = append(files, e.RelPath)
	}
	aliases := make(map[string]string)
	for _, a := range builtinAliases {
		if f := matchFile(files, a.base, a.family); f != "" {
			aliases[a.name] = f
		}
	}
	for name, f := range r.custom {
		aliases[strings.ToLower(name)] = filepath.ToSlash(f)
	}
	r.mu.Lock()
	r.files = files
	r.aliases = aliases
	r.mu.Unlock()
	return nil
}

// Aliases returns a copy of the current alias table.
func (r *Resolver) Aliases() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.aliases))
	for k, v := range r.aliases {
		out[k] = v
	}
	return out
}

// Resolve tries, in order: an existing absolute path, a model file name in
// root, library/ or custom/, the alias table (exact, then tag-less fuzzy),
// and finally a default. It never fails; misses are flagged as Fallback.
func (r *Resolver) Resolve(name string) Resolution {
	name = strings.TrimSpace(name)
	res := Resolution{Requested: name}

	if filepath.IsAbs(name) {
		if fsutil.IsFile(name) {
			res.Path, res.Source = name, SourcePath
			return res
		}
		name = filepath.Base(name)
	}
	if name != "" {
		if p, ok := r.findFile(name); ok {
			res.Path, res.Source = p, SourceFile
			return res
		}
		if p, src, ok := r.findAlias(name); ok {
			res.Path, res.Source = p, src
			return res
		}
	}

	res.Fallback = true
	res.Source = SourceDefault
	if r.defaultModel != "" {
		if p, ok := r.layout.Find(r.defaultModel); ok {
			res.Path = p
			return res
		}
	}
	r.mu.RLock()
	first := ""
	if len(r.files) > 0 {
		first = r.files[0]
	}
	r.mu.RUnlock()
	if first != "" {
		res.Path = filepath.Join(r.layout.Root, filepath.FromSlash(first))
		return res
	}
	res.Path = filepath.Join(r.layout.Root, filepath.FromSlash(BuiltinDefault))
	res.Source = SourceBuiltin
	return res
}

func (r *Resolver) findFile(name string) (string, bool) {
	if strings.HasSuffix(strings.ToLower(name), modeldir.Ext) {
		return r.layout.Find(name)
	}
	if strings.ContainsAny(name, ":") {
		return "", false
	}
	return r.layout.Find(name + modeldir.Ext)
}

func (r *Resolver) findAlias(name string) (string, string, bool) {
	lower := strings.ToLower(name)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rel, ok := r.aliases[lower]; ok {
		if p := r.existing(rel); p != "" {
			return p, SourceAlias, true
		}
	}
	base := strings.SplitN(lower, ":", 2)[0]
	if base == "" {
		return "", "", false
	}
	keys := make([]string, 0, len(r.aliases))
	for k := range r.aliases {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if strings.HasPrefix(k, base) {
			if p := r.existing(r.aliases[k]); p != "" {
				return p, SourceFuzzy, true
			}
		}
	}
	if rel := matchFile(r.files, base, base); rel != "" {
		if p := r.existing(rel); p != "" {
			return p, SourceFuzzy, true
		}
	}
	return "", "", false
}

func (r *Resolver) existing(rel string) string {
	p := filepath.Join(r.layout.Root, filepath.FromSlash(rel))
	if fsutil.IsFile(p) {
		return p
	}
	return ""
}

// matchFile returns the first file whose name carries the base at a
// token boundary, else the first carrying the family. Tokens are split on
// '-', '_', '.' and spaces, so "phi" matches "Phi-3-mini.gguf" and never
// "graphite-7b.gguf".
func matchFile(files []string, base, family string) string {
	for _, want := range []string{normalize(base), normalize(family)} {
		if want == "" {
			continue
		}
		for _, f := range files {
			if tokenMatch(filepath.Base(f), want) {
				return f
			}
		}
	}
	return ""
}

// tokenMatch reports whether the normalized name, read from the start of
// any of its tokens, begins with want.
func tokenMatch(name, want string) bool {
	tokens := strings.FieldsFunc(strings.ToLower(name), isNameSep)
	for i := range tokens {
		if strings.HasPrefix(strings.Join(tokens[i:], ""), want) {
			return true
		}
	}
	return false
}

func isNameSep(r rune) bool {
	return r == '-' || r == '_' || r == '.' || r == ' '
}

func normalize(s string) string {
	return strings.NewReplacer("-", "", "_", "", ".", "", " ", "").Replace(strings.ToLower(s))
}
