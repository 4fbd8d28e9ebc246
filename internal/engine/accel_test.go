package engine

import "testing"

func TestClassifyCards(t *testing.T) {
	cases := []struct {
		name    string
		cards   []card
		present bool
		vendor  string
	}{
		{"tesla t4", []card{{"NVIDIA Corporation", "TU104GL [Tesla T4]"}}, true, "nvidia"},
		{"a100", []card{{"NVIDIA Corporation", "GA100 [A100 SXM4 40GB]"}}, true, "nvidia"},
		{"h100", []card{{"NVIDIA Corporation", "GH100 [H100 PCIe]"}}, true, "nvidia"},
		{"mi250 by vendor", []card{{"Advanced Micro Devices, Inc. [AMD/ATI]", "Aldebaran/MI200 [Instinct MI250X]"}}, true, "amd"},
		{"unknown vendor, geforce product", []card{{"", "GeForce RTX 4090"}}, true, "nvidia"},
		{"intel arc", []card{{"Intel Corporation", "DG2 [Arc A770]"}}, true, "intel"},
		{"intel integrated only", []card{{"Intel Corporation", "Alder Lake-P GT2 [Iris Xe Graphics]"}}, false, ""},
		{"bmc vga only", []card{{"ASPEED Technology, Inc.", "ASPEED Graphics Family"}}, false, ""},
		{"nvidia preferred over intel", []card{{"Intel Corporation", "DG2 [Arc A380]"}, {"NVIDIA Corporation", "AD102 [L40S]"}}, true, "nvidia"},
		{"no cards", nil, false, ""},
	}
	for _, tc := range cases {
		acc := classify(tc.cards)
		if !acc.Known || acc.Present != tc.present || acc.Vendor != tc.vendor {
			t.Fatalf("%s: got %+v", tc.name, acc)
		}
		if acc.NoAccelerator() == tc.present {
			t.Fatalf("%s: NoAccelerator=%v", tc.name, acc.NoAccelerator())
		}
	}
}

func TestUnknownDetectionDoesNotForceCPU(t *testing.T) {
	var acc Accelerator
	if acc.NoAccelerator() {
		t.Fatalf("a failed detection must not report a positive no-accelerator result")
	}
}
