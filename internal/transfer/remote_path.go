package transfer

import (
	"path"
	"strings"

	"github.com/openmined/regionsync/internal/region"
)

const worldPlaceholder = "{world}"

// Layout maps region keys to remote paths.
type Layout struct {
	BasePath string
	Suffix   string
}

// Path returns `<base>/<world>/<dimension folder>/region/r.X.Z.mca<suffix>`.
// A `{world}` placeholder in the base path takes the world id instead of the
// appended directory.
func (l Layout) Path(key region.Key) string {
	base := l.BasePath
	if strings.Contains(base, worldPlaceholder) {
		base = strings.ReplaceAll(base, worldPlaceholder, key.World)
	} else {
		base = path.Join(base, key.World)
	}
	return path.Join(base, key.RelativePath()) + l.Suffix
}

// TempPath is the upload staging name for an artifact with the given checksum.
func TempPath(remotePath, checksum string) string {
	prefix := checksum
	if len(prefix) > 12 {
		prefix = prefix[:12]
	}
	if prefix == "" {
		prefix = "nosum"
	}
	return remotePath + "." + prefix + ".part"
}

func indexPlaceholder(p string) int {
	return strings.Index(p, worldPlaceholder)
}
