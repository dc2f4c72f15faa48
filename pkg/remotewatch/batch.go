package remotewatch

import (
	"sort"

	"github.com/cozy-labs/synccore/pkg/pathnorm"
	"github.com/cozy-labs/synccore/pkg/side"
)

// orderCausally sorts one poll's changes into a causally consistent
// order: parent creations precede child creations, and deletions
// precede sibling creations of the same name (to permit overwrite).
// Deletions are therefore placed ahead of every non-deletion, and
// non-deletions are depth-sorted ascending so a folder's creation is
// always merged before anything inside it; any creation that reuses a
// just-deleted name then sorts after all deletions regardless of depth.
func orderCausally(changes []side.RemoteChange) []side.RemoteChange {
	ordered := make([]side.RemoteChange, len(changes))
	copy(ordered, changes)

	sort.SliceStable(ordered, func(i, j int) bool {
		di, dj := ordered[i].Deleted, ordered[j].Deleted
		if di != dj {
			return di // deletions first
		}
		if di {
			// Among deletions, descendants before parents mirrors the
			// executor's own delete ordering and ensures a directory's
			// deletion doesn't race ahead of its children's.
			return pathnorm.Depth(ordered[i].Path) > pathnorm.Depth(ordered[j].Path)
		}
		return pathnorm.Depth(ordered[i].Path) < pathnorm.Depth(ordered[j].Path)
	})
	return ordered
}
