package resolver

import (
	"runtime"
	"strings"
)

// Platform names a target os and cpu using Node.js conventions.
type Platform struct {
	OS  string
	CPU string
}

var nodeOS = map[string]string{
	"windows": "win32",
}

var nodeCPU = map[string]string{
	"amd64": "x64",
	"386":   "ia32",
}

// CurrentPlatform returns the platform of the running process.
func CurrentPlatform() Platform {
	p := Platform{OS: runtime.GOOS, CPU: runtime.GOARCH}
	if v, ok := nodeOS[p.OS]; ok {
		p.OS = v
	}
	if v, ok := nodeCPU[p.CPU]; ok {
		p.CPU = v
	}
	return p
}

// Supports reports whether a package restricted to the os and cpu lists
// can run on p. Entries prefixed with "!" exclude; an empty list allows all.
func (p Platform) Supports(osList, cpuList []string) bool {
	return matchList(p.OS, osList) && matchList(p.CPU, cpuList)
}

func matchList(value string, list []string) bool {
	if len(list) == 0 {
		return true
	}
	allowed := false
	sawPositive := false
	for _, entry := range list {
		if neg, ok := strings.CutPrefix(entry, "!"); ok {
			if neg == value {
				return false
			}
			continue
		}
		sawPositive = true
		if entry == value || entry == "any" {
			allowed = true
		}
	}
	return allowed || !sawPositive
}
