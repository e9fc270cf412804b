package lifecycle

import (
	"strings"
	"unicode/utf8"
)

// PhiStatus is the outcome state of a PHI compliance scan.
type PhiStatus string

const (
	PhiUnchecked   PhiStatus = "UNCHECKED"
	PhiScanning    PhiStatus = "SCANNING"
	PhiPass        PhiStatus = "PASS"
	PhiFail        PhiStatus = "FAIL"
	PhiQuarantined PhiStatus = "QUARANTINED"
	PhiOverridden  PhiStatus = "OVERRIDDEN"
)

// CanProceed reports whether content with this scan status may continue past
// a PHI gate. Only PASS and OVERRIDDEN allow continuation.
func (s PhiStatus) CanProceed() bool {
	switch s {
	case PhiPass, PhiOverridden:
		return true
	default:
		return false
	}
}

// KnownPhiStatus reports whether s is one of the six scan statuses.
func KnownPhiStatus(s PhiStatus) bool {
	switch s {
	case PhiUnchecked, PhiScanning, PhiPass, PhiFail, PhiQuarantined, PhiOverridden:
		return true
	}
	return false
}

// PhiStatusMetadata is presentation data for one scan status.
type PhiStatusMetadata struct {
	Label      string `json:"label"`
	Color      string `json:"color"`
	CanProceed bool   `json:"can_proceed"`
}

// PhiStatusMetadataTable returns the presentation table for all statuses.
func PhiStatusMetadataTable() map[PhiStatus]PhiStatusMetadata {
	return map[PhiStatus]PhiStatusMetadata{
		PhiUnchecked:   {Label: "Unchecked", Color: "#9ca3af", CanProceed: false},
		PhiScanning:    {Label: "Scanning", Color: "#60a5fa", CanProceed: false},
		PhiPass:        {Label: "Pass", Color: "#34d399", CanProceed: true},
		PhiFail:        {Label: "Fail", Color: "#f87171", CanProceed: false},
		PhiQuarantined: {Label: "Quarantined", Color: "#fb923c", CanProceed: false},
		PhiOverridden:  {Label: "Overridden", Color: "#facc15", CanProceed: true},
	}
}

// CanProceedWithPhiStatus is the gate predicate over the static status table.
func CanProceedWithPhiStatus(s PhiStatus) bool {
	return s.CanProceed()
}

// minOverrideJustification is the sole validated invariant on overrides: the
// trimmed justification must be at least this long.
const minOverrideJustification = 20

// IsValidOverrideJustification reports whether text is an acceptable
// justification for force-passing a failed or quarantined scan. The
// 20-character boundary is inclusive and counts characters, not bytes.
func IsValidOverrideJustification(text string) bool {
	return utf8.RuneCountInString(strings.TrimSpace(text)) >= minOverrideJustification
}

// FindingCategories is the closed set of 18 protected-information categories
// a scan may report.
var FindingCategories = []string{
	"name",
	"date",
	"phone",
	"fax",
	"email",
	"ssn",
	"mrn",
	"health_plan_id",
	"account_number",
	"license_number",
	"vehicle_id",
	"device_id",
	"url",
	"ip_address",
	"biometric_id",
	"photo",
	"geographic_subdivision",
	"other_unique_id",
}

// KnownFindingCategory reports whether category is in the closed set.
func KnownFindingCategory(category string) bool {
	for _, c := range FindingCategories {
		if c == category {
			return true
		}
	}
	return false
}

// PhiFinding is one detected instance of protected information.
type PhiFinding struct {
	Category   string  `json:"category"`
	Value      string  `json:"value"`
	Location   string  `json:"location"`
	Confidence float64 `json:"confidence"`
}

// PhiGatePosition ties a gate identity to the workflow stages it guards and
// the content categories it scans. Three fixed gates exist.
type PhiGatePosition struct {
	ID         string   `json:"id"`
	Label      string   `json:"label"`
	Stages     []int    `json:"stages"`
	ScanScopes []string `json:"scan_scopes"`
}

const (
	PhiGatePreAnalysis   = "pre-analysis"
	PhiGatePreGeneration = "pre-generation"
	PhiGatePreExport     = "pre-export"
)

func defaultPhiGates() []PhiGatePosition {
	return []PhiGatePosition{
		{
			ID:         PhiGatePreAnalysis,
			Label:      "Pre-analysis PHI gate",
			Stages:     []int{9},
			ScanScopes: []string{"extracted_records", "linked_fields"},
		},
		{
			ID:         PhiGatePreGeneration,
			Label:      "Pre-generation PHI gate",
			Stages:     []int{13, 14},
			ScanScopes: []string{"model_prompts", "generated_narratives"},
		},
		{
			ID:         PhiGatePreExport,
			Label:      "Pre-export PHI gate",
			Stages:     []int{17, 18, 19},
			ScanScopes: []string{"export_bundles", "shared_tables", "figures"},
		},
	}
}

// PhiGates returns the three fixed gate positions.
func (r *Ruleset) PhiGates() []PhiGatePosition {
	return append([]PhiGatePosition(nil), r.phiGates...)
}

// PhiGateForStage finds the gate guarding stageID, if any.
func (r *Ruleset) PhiGateForStage(stageID int) (PhiGatePosition, bool) {
	for _, gate := range r.phiGates {
		for _, id := range gate.Stages {
			if id == stageID {
				return gate, true
			}
		}
	}
	return PhiGatePosition{}, false
}

// StageRequiresPhiGate reports whether stageID sits behind a PHI gate.
func (r *Ruleset) StageRequiresPhiGate(stageID int) bool {
	_, ok := r.PhiGateForStage(stageID)
	return ok
}

// PhiGateByID returns a gate position by identity.
func (r *Ruleset) PhiGateByID(id string) (PhiGatePosition, bool) {
	for _, gate := range r.phiGates {
		if gate.ID == id {
			return gate, true
		}
	}
	return PhiGatePosition{}, false
}
