package lifecycle_test

import (
	"strings"
	"testing"

	"gateline/internal/lifecycle"
)

func TestCanProceedWithPhiStatus(t *testing.T) {
	cases := map[lifecycle.PhiStatus]bool{
		lifecycle.PhiPass:        true,
		lifecycle.PhiOverridden:  true,
		lifecycle.PhiFail:        false,
		lifecycle.PhiQuarantined: false,
		lifecycle.PhiUnchecked:   false,
		lifecycle.PhiScanning:    false,
	}
	for status, want := range cases {
		if got := lifecycle.CanProceedWithPhiStatus(status); got != want {
			t.Errorf("CanProceedWithPhiStatus(%s) = %v, want %v", status, got, want)
		}
	}
}

func TestOverrideJustificationBoundary(t *testing.T) {
	if lifecycle.IsValidOverrideJustification("too short") {
		t.Error("10-char justification accepted")
	}
	exactly20 := strings.Repeat("x", 20)
	if !lifecycle.IsValidOverrideJustification(exactly20) {
		t.Error("exactly-20-char justification rejected; boundary must be inclusive")
	}
	if lifecycle.IsValidOverrideJustification("   " + strings.Repeat("x", 19) + "   ") {
		t.Error("19 significant chars padded with whitespace accepted")
	}
	if !lifecycle.IsValidOverrideJustification("  " + exactly20 + "  ") {
		t.Error("whitespace around a valid justification rejected")
	}
	// characters, not bytes: 7 CJK runes are 21 bytes but still too short
	if lifecycle.IsValidOverrideJustification(strings.Repeat("研", 7)) {
		t.Error("7-rune multibyte justification accepted")
	}
	if !lifecycle.IsValidOverrideJustification(strings.Repeat("研", 20)) {
		t.Error("20-rune multibyte justification rejected")
	}
}

func TestPhiGatePositions(t *testing.T) {
	rules := lifecycle.DefaultRuleset()
	gates := rules.PhiGates()
	if len(gates) != 3 {
		t.Fatalf("expected 3 fixed gates, got %d", len(gates))
	}
	cases := []struct {
		stage int
		want  string
	}{
		{9, lifecycle.PhiGatePreAnalysis},
		{13, lifecycle.PhiGatePreGeneration},
		{14, lifecycle.PhiGatePreGeneration},
		{17, lifecycle.PhiGatePreExport},
		{18, lifecycle.PhiGatePreExport},
		{19, lifecycle.PhiGatePreExport},
	}
	for _, tc := range cases {
		gate, ok := rules.PhiGateForStage(tc.stage)
		if !ok || gate.ID != tc.want {
			t.Errorf("PhiGateForStage(%d) = %q ok=%v, want %q", tc.stage, gate.ID, ok, tc.want)
		}
	}
	for _, stage := range []int{1, 5, 10, 15, 16, 20} {
		if rules.StageRequiresPhiGate(stage) {
			t.Errorf("stage %d should not be PHI gated", stage)
		}
	}
}

func TestFindingCategoriesClosedSet(t *testing.T) {
	if len(lifecycle.FindingCategories) != 18 {
		t.Fatalf("expected 18 categories, got %d", len(lifecycle.FindingCategories))
	}
	for _, c := range []string{"name", "ssn", "mrn", "geographic_subdivision"} {
		if !lifecycle.KnownFindingCategory(c) {
			t.Errorf("category %q missing", c)
		}
	}
	if lifecycle.KnownFindingCategory("favorite_color") {
		t.Error("unknown category accepted")
	}
}

func TestPhiStatusMetadataAgreesWithPredicate(t *testing.T) {
	for status, meta := range lifecycle.PhiStatusMetadataTable() {
		if meta.CanProceed != status.CanProceed() {
			t.Errorf("metadata for %s disagrees with CanProceed", status)
		}
	}
}
