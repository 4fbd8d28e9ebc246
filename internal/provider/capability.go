package provider

import (
	"encoding/json"
	"strings"
)

// Capability is an optional feature a provider may advertise.
type Capability uint16

const (
	CapStreaming Capability = 1 << iota
	CapBlocking
	CapVision
	CapListModels
	CapPullModel
	CapDeleteModel
	CapModelDetails
	CapEmbeddings
	CapGPUAcceleration
	CapDynamicContextSize
)

var capabilityNames = []struct {
	c    Capability
	name string
}{
	{CapStreaming, "STREAMING"},
	{CapBlocking, "BLOCKING"},
	{CapVision, "VISION"},
	{CapListModels, "LIST_MODELS"},
	{CapPullModel, "PULL_MODEL"},
	{CapDeleteModel, "DELETE_MODEL"},
	{CapModelDetails, "MODEL_DETAILS"},
	{CapEmbeddings, "EMBEDDINGS"},
	{CapGPUAcceleration, "GPU_ACCELERATION"},
	{CapDynamicContextSize, "DYNAMIC_CONTEXT_SIZE"},
}

func (c Capability) String() string {
	for _, n := range capabilityNames {
		if n.c == c {
			return n.name
		}
	}
	return "UNKNOWN"
}

// ParseCapability maps a name such as "VISION" (case-insensitive) to its Capability.
func ParseCapability(s string) (Capability, bool) {
	s = strings.ToUpper(strings.TrimSpace(s))
	for _, n := range capabilityNames {
		if n.name == s {
			return n.c, true
		}
	}
	return 0, false
}

// Capabilities is an immutable set of Capability values.
type Capabilities uint16

// NewCapabilities builds a set from the given capabilities.
func NewCapabilities(cs ...Capability) Capabilities {
	var set Capabilities
	for _, c := range cs {
		set |= Capabilities(c)
	}
	return set
}

// Has reports whether c is in the set.
func (s Capabilities) Has(c Capability) bool { return s&Capabilities(c) != 0 }

// List returns the members in declaration order.
func (s Capabilities) List() []Capability {
	var out []Capability
	for _, n := range capabilityNames {
		if s.Has(n.c) {
			out = append(out, n.c)
		}
	}
	return out
}

// Strings returns the member names in declaration order.
func (s Capabilities) Strings() []string {
	list := s.List()
	out := make([]string, len(list))
	for i, c := range list {
		out[i] = c.String()
	}
	return out
}

func (s Capabilities) String() string { return "[" + strings.Join(s.Strings(), ",") + "]" }

func (s Capabilities) MarshalJSON() ([]byte, error) {
	names := s.Strings()
	if names == nil {
		names = []string{}
	}
	return json.Marshal(names)
}
