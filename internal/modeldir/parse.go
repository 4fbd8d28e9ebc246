package modeldir

import (
	"encoding/binary"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/cespare/xxhash/v2"
)

var quantRe = regexp.MustCompile(`(?i)(?:^|[-_.])(IQ[1-4]_(?:XXS|XS|S|M|NL)|Q[2-8]_K(?:_[SML])?|Q[4-8]_[01]|BF16|F16|F32)(?:[-_.]|$)`)

// Quantization extracts the quantization tag from a model file name, or "".
func Quantization(name string) string {
	m := quantRe.FindStringSubmatch(filepath.Base(name))
	if m == nil {
		return ""
	}
	return strings.ToUpper(m[1])
}

// Architecture guesses the model family from a file name.
func Architecture(name string) string {
	n := strings.ToLower(filepath.Base(name))
	switch {
	case strings.Contains(n, "qwen"):
		return "qwen"
	case strings.Contains(n, "mistral"), strings.Contains(n, "mixtral"):
		return "mistral"
	case strings.Contains(n, "llama"):
		return "llama"
	case strings.Contains(n, "phi"):
		return "phi"
	case strings.Contains(n, "gemma"):
		return "gemma"
	default:
		return "unknown"
	}
}

// DisplayName strips the extension from a model file name.
func DisplayName(name string) string {
	base := filepath.Base(name)
	if strings.HasSuffix(strings.ToLower(base), Ext) {
		return base[:len(base)-len(Ext)]
	}
	return base
}

const digestWindow = 1 << 20

// SampledDigest hashes the file size and the first and last MiB of the file.
// Only those windows are read, so it is cheap enough to run on every scan.
func SampledDigest(path string, size int64) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	h := xxhash.New()
	var sz [8]byte
	binary.LittleEndian.PutUint64(sz[:], uint64(size))
	_, _ = h.Write(sz[:])
	if _, err := io.Copy(h, io.LimitReader(f, digestWindow)); err != nil {
		return ""
	}
	if size > 2*digestWindow {
		if _, err := f.Seek(size-digestWindow, io.SeekStart); err == nil {
			if _, err := io.Copy(h, f); err != nil {
				return ""
			}
		}
	} else if size > digestWindow {
		if _, err := io.Copy(h, f); err != nil {
			return ""
		}
	}
	return "xxh64:" + hex.EncodeToString(h.Sum(nil))
}
