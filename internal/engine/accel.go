package engine

import (
	"runtime"
	"strings"

	"github.com/jaypipes/ghw"
)

// Accelerator describes the detected graphics hardware. Known is false when
// detection could not enumerate devices; Present is only meaningful when
// Known is true.
type Accelerator struct {
	Known   bool
	Present bool
	Vendor  string
	Names   []string
}

// NoAccelerator reports a positive "no usable accelerator" result. Callers
// force CPU mode only on this, never on an unknown result.
func (a Accelerator) NoAccelerator() bool { return a.Known && !a.Present }

// card is the vendor and product name pair of one PCI graphics device.
type card struct {
	vendor  string
	product string
}

// DetectAccelerator inspects PCI graphics cards. Apple silicon always has a
// Metal device and is reported without probing.
func DetectAccelerator() Accelerator {
	if runtime.GOOS == "darwin" && runtime.GOARCH == "arm64" {
		return Accelerator{Known: true, Present: true, Vendor: "apple", Names: []string{"Apple Metal"}}
	}
	gpu, err := ghw.GPU()
	if err != nil || gpu == nil {
		return Accelerator{}
	}
	var cards []card
	for _, gc := range gpu.GraphicsCards {
		if gc == nil || gc.DeviceInfo == nil {
			continue
		}
		var c card
		if gc.DeviceInfo.Vendor != nil {
			c.vendor = gc.DeviceInfo.Vendor.Name
		}
		if gc.DeviceInfo.Product != nil {
			c.product = gc.DeviceInfo.Product.Name
		}
		cards = append(cards, c)
	}
	return classify(cards)
}

// classify picks the best vendor among cards, preferring nvidia, then amd,
// then intel discrete parts.
func classify(cards []card) Accelerator {
	acc := Accelerator{Known: true}
	rank := map[string]int{"nvidia": 3, "amd": 2, "intel": 1}
	for _, c := range cards {
		v := cardVendor(c)
		if v == "" {
			continue
		}
		if rank[v] > rank[acc.Vendor] {
			acc.Vendor = v
		}
		acc.Present = true
		name := c.product
		if name == "" {
			name = c.vendor
		}
		acc.Names = append(acc.Names, name)
	}
	return acc
}

// cardVendor classifies by PCI vendor first and falls back to product name
// keywords when the vendor database had no entry.
func cardVendor(c card) string {
	vendor := strings.ToLower(c.vendor)
	product := strings.ToLower(c.product)
	switch {
	case strings.Contains(vendor, "nvidia"):
		return "nvidia"
	case strings.Contains(vendor, "advanced micro devices"), strings.Contains(vendor, "amd"), strings.Contains(vendor, "ati technologies"):
		return "amd"
	case strings.Contains(vendor, "intel"):
		if intelDiscrete(product) {
			return "intel"
		}
		return ""
	}
	switch {
	case strings.Contains(product, "nvidia"), strings.Contains(product, "geforce"), strings.Contains(product, "rtx"),
		strings.Contains(product, "tesla"), strings.Contains(product, "quadro"):
		return "nvidia"
	case strings.Contains(product, "radeon"), strings.Contains(product, "instinct"):
		return "amd"
	case strings.Contains(product, "intel") && intelDiscrete(product):
		return "intel"
	}
	return ""
}

func intelDiscrete(product string) bool {
	for _, k := range []string{"arc", "flex", "data center gpu max"} {
		if strings.Contains(product, k) {
			return true
		}
	}
	return false
}
