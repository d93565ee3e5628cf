package repair

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/chronos-sync/chronos/internal/model"
)

// MarkerVersion is the value written to the cleaned marker. Bumping it
// forces a reprocess of every previously repaired event.
const MarkerVersion = "v1"

// Repair-need reasons reported by NeedsRepair.
const (
	ReasonNotCleaned       = "not_cleaned"
	ReasonSignatureChanged = "signature_changed"
	ReasonAlreadyCleaned   = "already_cleaned"
)

// Signature hashes the fields that determine repair output: the summary, the
// start time, and the recurrence rule. A non-empty secret keys the hash so
// foreign writers cannot forge markers; without one it degrades to a plain
// digest of the same canonical string.
func Signature(secret, summary string, start time.Time, rrule string) string {
	canonical := summary + "|" + start.UTC().Format(time.RFC3339) + "|" + rrule
	if secret != "" {
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write([]byte(canonical))
		return hex.EncodeToString(mac.Sum(nil))
	}
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// NeedsRepair decides whether an event must be (re)processed. An event
// without a cleaned marker always needs repair. A cleaned event is checked
// by recomputing the signature over its current content: a mismatch means it
// was hand-edited upstream after a previous repair and must be reprocessed;
// a match makes re-running the repairer a no-op, which is what keeps
// repeated full syncs safe.
func NeedsRepair(ev *model.NormalizedEvent, secret string) (bool, string) {
	markers := ev.Markers()
	if markers[model.MarkerCleaned] == "" {
		return true, ReasonNotCleaned
	}
	current := Signature(secret, ev.Summary, ev.StartTime, ev.RRule)
	if current != markers[model.MarkerSignature] {
		return true, ReasonSignatureChanged
	}
	return false, ReasonAlreadyCleaned
}
