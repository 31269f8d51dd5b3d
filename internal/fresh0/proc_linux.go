//go:build linux

package fresh0

import (
	"bufio"
	"os"
	"strconv"
	"strings"
)

// processRSSBytes reads VmRSS from /proc/self/status. ok is false when the
// file is missing or the line cannot be parsed.
func processRSSBytes() (rssBytes uint64, ok bool) {
	f, err := os.Open("/proc/self/status")
	if err != nil {
		return 0, false
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		rest, found := strings.CutPrefix(sc.Text(), "VmRSS:")
		if !found {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			return 0, false
		}
		kb, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			return 0, false
		}
		return kb * 1024, true
	}
	return 0, false
}
