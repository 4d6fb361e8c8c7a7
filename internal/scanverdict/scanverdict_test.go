package scanverdict

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mailforge/syncengine/internal/models"
)

func TestGetAttachmentScanBlock_CleanAllowedNoReason(t *testing.T) {
	b := GetAttachmentScanBlock(models.ScanClean)
	assert.True(t, b.Allowed)
	assert.Empty(t, b.Reason)
}

func TestGetAttachmentScanBlock_InfectedBlocked(t *testing.T) {
	b := GetAttachmentScanBlock(models.ScanInfected)
	assert.False(t, b.Allowed)
	assert.Equal(t, "infected", b.Reason)
}

func TestGetAttachmentScanBlock_SizeSkippedAllowedWithReason(t *testing.T) {
	b := GetAttachmentScanBlock(models.ScanSizeSkipped)
	assert.True(t, b.Allowed)
	assert.Equal(t, "size_skipped", b.Reason)
}

func TestGetAttachmentScanBlock_PendingBlocked(t *testing.T) {
	b := GetAttachmentScanBlock(models.ScanPending)
	assert.False(t, b.Allowed)
}

func TestGetAttachmentScanBlock_UnknownStatusFailsClosed(t *testing.T) {
	b := GetAttachmentScanBlock(models.ScanStatus("bogus"))
	assert.False(t, b.Allowed)
	assert.Equal(t, "unknown_status", b.Reason)
}
