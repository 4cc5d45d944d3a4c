package browser

import (
	"github.com/prometheus/procfs"
)

// browserMemory sums the resident memory of every browser process and its
// descendants (renderers, GPU and utility processes). It reports 0 when /proc
// is unavailable.
func browserMemory(pids []int) uint64 {
	if len(pids) == 0 {
		return 0
	}
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return 0
	}
	return treeRSS(fs, pids)
}

// treeRSS adds up the RSS of roots and all their descendants in fs
func treeRSS(fs procfs.FS, roots []int) uint64 {
	procs, err := fs.AllProcs()
	if err != nil {
		return 0
	}

	children := make(map[int][]int)
	rss := make(map[int]uint64)
	for _, p := range procs {
		stat, err := p.Stat()
		if err != nil {
			// exited between listing and reading
			continue
		}
		children[stat.PPID] = append(children[stat.PPID], p.PID)
		rss[p.PID] = uint64(stat.ResidentMemory())
	}

	var total uint64
	seen := make(map[int]bool)
	queue := append([]int(nil), roots...)
	for len(queue) > 0 {
		pid := queue[0]
		queue = queue[1:]
		if pid <= 0 || seen[pid] {
			continue
		}
		seen[pid] = true
		total += rss[pid]
		queue = append(queue, children[pid]...)
	}
	return total
}
