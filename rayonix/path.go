package rayonix

import (
	"os"
	"path"
	"strings"
)

var (
	// NetRoot is where the detector computer automounts network shares
	NetRoot = "/net"

	// MirrorRoot is where the detector computer keeps local mirrors of
	// network shares.  It is preferred over NetRoot when the share exists
	// there.
	MirrorRoot = "/Mirror"
)

// isUNC is true for \\host\share paths, in either slash direction
func isUNC(p string) bool {
	return strings.HasPrefix(p, `\\`) || strings.HasPrefix(p, "//")
}

// ToDetectorPath converts a Windows UNC path \\host\share\p into the
// detector's namespace, /net/host/share/p, or /Mirror/host/share/p if that
// share is mirrored.  Other paths are returned unchanged.  Trailing
// separators are preserved.
func ToDetectorPath(p string) string {
	if !isUNC(p) {
		return p
	}
	rest := strings.ReplaceAll(p[2:], `\`, "/")
	parts := strings.SplitN(rest, "/", 3)
	if len(parts) >= 2 && MirrorRoot != "" {
		share := path.Join(MirrorRoot, parts[0], parts[1])
		if fi, err := os.Stat(share); err == nil && fi.IsDir() {
			return MirrorRoot + "/" + rest
		}
	}
	return NetRoot + "/" + rest
}

// FromDetectorPath is the inverse of ToDetectorPath: /net/host/share/p and
// /Mirror/host/share/p become \\host\share\p.  Other paths are returned
// unchanged.
func FromDetectorPath(p string) string {
	for _, root := range []string{MirrorRoot, NetRoot} {
		if root == "" {
			continue
		}
		prefix := strings.TrimSuffix(root, "/") + "/"
		if strings.HasPrefix(p, prefix) {
			rest := strings.TrimPrefix(p, prefix)
			return `\\` + strings.ReplaceAll(rest, "/", `\`)
		}
	}
	return p
}
