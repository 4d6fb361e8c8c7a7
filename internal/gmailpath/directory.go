package gmailpath

import (
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// directoryTTL is the per-connector cache lifetime for a Gmail-over-IMAP
// mailbox directory (spec.md §4.C).
const directoryTTL = 60 * time.Second

// Directory maps canonical Gmail mailbox ids to the server-reported folder
// path a Gmail-over-IMAP connector actually uses, and back.
type Directory struct {
	CanonicalToServer map[string]string
	ServerToCanonical map[string]string
}

// Resolve returns the server path for a canonical id, defaulting to INBOX
// per spec.md §4.H ("missing canonical -> INBOX default when appending").
func (d *Directory) Resolve(canonical string) (string, bool) {
	if d == nil {
		return "INBOX", false
	}
	if server, ok := d.CanonicalToServer[canonical]; ok {
		return server, true
	}
	return "INBOX", false
}

// DirectoryCache is a per-connector TTL cache of mailbox Directory values,
// backed by an in-process go-cache instance (spec.md §5: "per-connector
// cache with a 60s TTL").
type DirectoryCache struct {
	mu    sync.Mutex
	cache *gocache.Cache
}

// NewDirectoryCache constructs a DirectoryCache with the spec's fixed TTL.
func NewDirectoryCache() *DirectoryCache {
	return &DirectoryCache{cache: gocache.New(directoryTTL, 2*directoryTTL)}
}

// Get returns the cached directory for connectorID, if still fresh.
func (c *DirectoryCache) Get(connectorID string) (*Directory, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.cache.Get(connectorID)
	if !ok {
		return nil, false
	}
	return v.(*Directory), true
}

// Set stores dir for connectorID with the standard TTL.
func (c *DirectoryCache) Set(connectorID string, dir *Directory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Set(connectorID, dir, gocache.DefaultExpiration)
}

// Invalidate drops the cached directory for connectorID. Called on
// connector auth change or when a path resolution mismatch is observed
// during an append (spec.md §4.C).
func (c *DirectoryCache) Invalidate(connectorID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Delete(connectorID)
}

// BuildDirectory constructs a Directory from a set of IMAP LIST rows,
// keeping the first canonical match when multiple server rows map to the
// same canonical id (SPEC_FULL.md §7 item 2: insertion order from LIST
// is preserved, deterministic but unspecified preference for subscribed
// folders).
func BuildDirectory(rows []ListRow) *Directory {
	d := &Directory{
		CanonicalToServer: make(map[string]string),
		ServerToCanonical: make(map[string]string),
	}
	for _, row := range rows {
		if !IsSelectableCanonical(row.Path) {
			continue
		}

		canonical, matched := "", false
		for _, su := range row.SpecialUse {
			if c, ok := SpecialUseToCanonical(su); ok {
				canonical, matched = c, true
				break
			}
		}
		if !matched {
			canonical = NormalizeGmailMailboxPath(row.Path)
		}

		d.ServerToCanonical[row.Path] = canonical
		if _, exists := d.CanonicalToServer[canonical]; !exists {
			d.CanonicalToServer[canonical] = row.Path
		}
	}
	return d
}

// ListRow is the subset of an IMAP LIST response row needed to build a
// Directory: the server-reported mailbox path and its SPECIAL-USE
// attributes, if any.
type ListRow struct {
	Path       string
	SpecialUse []string
}
