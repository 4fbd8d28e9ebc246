package types

import "time"

// Model represents a discoverable model file.
type Model struct {
	// File name, used as the model identifier.
	// example: Llama-3.2-1B-Instruct-Q4_K_M.gguf
	Name string `json:"name" example:"Llama-3.2-1B-Instruct-Q4_K_M.gguf"`
	// example: inprocess
	Provider string `json:"provider" example:"inprocess"`
	// Absolute path to the model file on disk.
	// example: /home/user/.fleetllm/models/library/Llama-3.2-1B-Instruct-Q4_K_M.gguf
	Path string `json:"path,omitempty"`
	// Size in bytes.
	Size int64 `json:"size"`
	// example: 770 MiB
	SizeHuman  string    `json:"size_human" example:"770 MiB"`
	Digest     string    `json:"digest,omitempty"`
	ModifiedAt time.Time `json:"modified_at"`
	// Model family guessed from the file name.
	// example: llama
	Architecture string `json:"architecture,omitempty" example:"llama"`
	// Quantization level or variant string.
	// example: Q4_K_M
	Quantization string `json:"quantization,omitempty" example:"Q4_K_M"`
	// True for files under custom/.
	Custom bool `json:"custom"`
	// True when the provider has this model resident.
	Loaded      bool   `json:"loaded,omitempty"`
	Description string `json:"description,omitempty"`
}
