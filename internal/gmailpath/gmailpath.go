// Package gmailpath canonicalizes Gmail folder/label paths (spec.md §4.C).
// A "canonical" mailbox is an upper-case system label id (INBOX, SENT, ALL,
// SPAM, TRASH, DRAFT, STARRED, IMPORTANT) or a custom Gmail label id
// (Label_1234) preserved verbatim modulo case.
package gmailpath

import "strings"

// canonicalAliases maps every known server-reported folder name to its
// canonical system label id. Keys are compared case-insensitively.
var canonicalAliases = map[string]string{
	"inbox": "INBOX",

	"[gmail]/sent mail":   "SENT",
	"[google mail]/sent mail": "SENT",
	"[gmail]/sent":        "SENT",
	"sent":                "SENT",
	"sent items":          "SENT",

	"[gmail]/all mail":    "ALL",
	"[google mail]/all mail": "ALL",
	"all mail":            "ALL",

	"[gmail]/junk":        "SPAM",
	"[gmail]/spam":        "SPAM",
	"[google mail]/spam":  "SPAM",
	"junk":                "SPAM",
	"spam":                "SPAM",

	"[gmail]/trash":       "TRASH",
	"[google mail]/trash": "TRASH",
	"trash":               "TRASH",
	"deleted items":       "TRASH",

	"[gmail]/drafts":      "DRAFT",
	"[google mail]/drafts": "DRAFT",
	"drafts":              "DRAFT",

	"[gmail]/starred":     "STARRED",
	"[google mail]/starred": "STARRED",
	"starred":             "STARRED",

	"[gmail]/important":   "IMPORTANT",
	"important":           "IMPORTANT",
}

// aliasesByCanonical is the reverse index: canonical -> every known server
// alias (upper-cased), built once from canonicalAliases.
var aliasesByCanonical = buildReverseIndex()

func buildReverseIndex() map[string][]string {
	idx := make(map[string][]string)
	for alias, canonical := range canonicalAliases {
		idx[canonical] = append(idx[canonical], strings.ToUpper(alias))
	}
	return idx
}

// NormalizeGmailMailboxPath maps folder/label aliases to a canonical id.
// Empty input is INBOX. Known server aliases map to their canonical system
// label. Anything else — including custom label ids like "Label_1234" — is
// upper-cased and returned as-is, preserving custom label identifiers.
func NormalizeGmailMailboxPath(p string) string {
	trimmed := strings.TrimSpace(p)
	if trimmed == "" {
		return "INBOX"
	}
	if canonical, ok := canonicalAliases[strings.ToLower(trimmed)]; ok {
		return canonical
	}
	return strings.ToUpper(trimmed)
}

// GetGmailMailboxPathAliases returns the canonical id plus every known
// server alias (upper-cased) for p, for matching against server folder
// metadata during LIST directory construction.
func GetGmailMailboxPathAliases(p string) []string {
	canonical := NormalizeGmailMailboxPath(p)
	aliases := aliasesByCanonical[canonical]

	out := make([]string, 0, len(aliases)+1)
	out = append(out, canonical)
	out = append(out, aliases...)
	return out
}

// SpecialUseToCanonical maps an IMAP SPECIAL-USE attribute (spec.md §4.C)
// to a canonical system label. Unknown attributes return "", false.
func SpecialUseToCanonical(specialUse string) (string, bool) {
	switch specialUse {
	case "\\All":
		return "ALL", true
	case "\\Inbox":
		return "INBOX", true
	case "\\Flagged":
		return "STARRED", true
	case "\\Junk":
		return "SPAM", true
	case "\\Sent":
		return "SENT", true
	case "\\Trash":
		return "TRASH", true
	case "\\Drafts":
		return "DRAFT", true
	case "\\Important":
		return "IMPORTANT", true
	default:
		return "", false
	}
}

// IsSelectableCanonical reports whether a directory row should be included
// in the canonical<->server selection: the [Gmail]/[Google Mail] container
// itself is never selectable, and rows are deduplicated by canonical id by
// the caller (first one wins, see SPEC_FULL.md §7 item 2).
func IsSelectableCanonical(serverPath string) bool {
	lower := strings.ToLower(strings.TrimSpace(serverPath))
	return lower != "[gmail]" && lower != "[google mail]"
}
