package jobs

import (
	"os"
	"path/filepath"
	"regexp"
)

var mountinfoLine = regexp.MustCompile(`\s(/\S*)\s(/\S*)\s`)

// realVolumePath resolves the host-side source path for a bind mount
// visible at containerPath inside the coordinator's own container, by
// walking /proc/self/mountinfo for the deepest ancestor mounted there
// and rewriting the matching prefix. When no ancestor mount is found
// (the coordinator isn't itself containerized, or the path isn't under
// any mount), containerPath is returned unchanged.
func realVolumePath(containerPath string) string {
	content, err := os.ReadFile("/proc/self/mountinfo")
	if err != nil {
		return containerPath
	}
	return resolveRealVolumePath(containerPath, string(content))
}

func resolveRealVolumePath(containerPath, mountinfo string) string {
	mounts := map[string]string{}
	for _, match := range mountinfoLine.FindAllStringSubmatch(mountinfo, -1) {
		src, dst := match[1], match[2]
		mounts[dst] = src
	}

	mountPath := containerPath
	for {
		if src, ok := mounts[mountPath]; ok {
			return src + containerPath[len(mountPath):]
		}
		if mountPath == "/" {
			return containerPath
		}
		mountPath = filepath.Dir(mountPath)
	}
}
