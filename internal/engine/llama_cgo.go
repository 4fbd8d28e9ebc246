//go:build llama

package engine

// cgo link directives for the native runtime. The rpath of $ORIGIN lets the
// loader find libllama.so and libggml*.so beside the built binary (./bin).
/*
#cgo LDFLAGS: -Wl,-rpath,'$ORIGIN' -L${SRCDIR}/../../bin -lllama
*/
import "C"
