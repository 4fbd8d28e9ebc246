package managed

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

// Fixed server tuning passed on every spawn.
const (
	batchSize     = 512
	ubatchSize    = 256
	parallelSlots = 4
)

type spawnOptions struct {
	Model       string
	Projector   string
	Host        string
	Port        int
	GPULayers   int
	ContextSize int
	Threads     int
}

func buildArgs(o spawnOptions) []string {
	args := []string{
		"-m", o.Model,
		"--port", strconv.Itoa(o.Port),
		"--host", o.Host,
		"-ngl", strconv.Itoa(o.GPULayers),
		"--ctx-size", strconv.Itoa(o.ContextSize),
	}
	if o.Threads > 0 {
		args = append(args, "-t", strconv.Itoa(o.Threads))
	}
	args = append(args,
		"-b", strconv.Itoa(batchSize),
		"-ub", strconv.Itoa(ubatchSize),
		"-np", strconv.Itoa(parallelSlots),
		"--flash-attn",
	)
	if o.Projector != "" {
		args = append(args, "--mmproj", o.Projector)
	}
	return args
}

// libraryPathVar names the dynamic loader search path for the host OS.
func libraryPathVar() string {
	switch runtime.GOOS {
	case "darwin":
		return "DYLD_LIBRARY_PATH"
	case "windows":
		return "PATH"
	default:
		return "LD_LIBRARY_PATH"
	}
}

// commandEnv returns env with the binary's directory prepended to the
// library search path, so shared libraries shipped next to llama-server
// are found.
func commandEnv(bin string, env []string) []string {
	key := libraryPathVar()
	dir := filepath.Dir(bin)
	out := make([]string, 0, len(env)+1)
	found := false
	for _, kv := range env {
		if k, v, ok := strings.Cut(kv, "="); ok && k == key {
			found = true
			if v != "" {
				kv = key + "=" + dir + string(os.PathListSeparator) + v
			} else {
				kv = key + "=" + dir
			}
		}
		out = append(out, kv)
	}
	if !found {
		out = append(out, key+"="+dir)
	}
	return out
}
