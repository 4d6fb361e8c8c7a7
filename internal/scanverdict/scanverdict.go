// Package scanverdict maps an attachment malware-scan status to the action
// the rest of the system takes on it: serve it, block it, or warn and allow
// on an operator's explicit override.
package scanverdict

import "github.com/mailforge/syncengine/internal/models"

// Block describes how an attachment should be treated given its scan
// status.
type Block struct {
	// Allowed reports whether the attachment may be downloaded/previewed.
	Allowed bool
	// Reason is a short machine-readable code surfaced to the client when
	// Allowed is false, or as a warning annotation when Allowed is true but
	// the verdict is not a clean pass.
	Reason string
}

var statusBlocks = map[models.ScanStatus]Block{
	models.ScanClean:       {Allowed: true, Reason: ""},
	models.ScanPending:     {Allowed: false, Reason: "scan_pending"},
	models.ScanProcessing:  {Allowed: false, Reason: "scan_pending"},
	models.ScanInfected:    {Allowed: false, Reason: "infected"},
	models.ScanSizeSkipped: {Allowed: true, Reason: "size_skipped"},
	models.ScanDisabled:    {Allowed: true, Reason: "scan_disabled"},
	models.ScanFailed:      {Allowed: false, Reason: "scan_failed"},
	models.ScanMissing:     {Allowed: false, Reason: "missing"},
	models.ScanError:       {Allowed: false, Reason: "scan_error"},
}

// GetAttachmentScanBlock returns the access decision for an attachment's
// current scan status. An unrecognized status fails closed (blocked).
func GetAttachmentScanBlock(status models.ScanStatus) Block {
	if b, ok := statusBlocks[status]; ok {
		return b
	}
	return Block{Allowed: false, Reason: "unknown_status"}
}
