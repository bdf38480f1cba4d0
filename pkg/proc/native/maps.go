package native

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// mapping is one line of /proc/<pid>/maps.
type mapping struct {
	start, end uint64
	perms      string
	offset     uint64
	inode      uint64
	path       string
}

func parseMaps(r io.Reader) ([]mapping, error) {
	var maps []mapping
	s := bufio.NewScanner(r)
	for s.Scan() {
		fields := strings.Fields(s.Text())
		if len(fields) < 5 {
			continue
		}
		var m mapping
		bounds := strings.SplitN(fields[0], "-", 2)
		if len(bounds) != 2 {
			return nil, fmt.Errorf("malformed mapping %q", s.Text())
		}
		var err error
		if m.start, err = strconv.ParseUint(bounds[0], 16, 64); err != nil {
			return nil, fmt.Errorf("malformed mapping %q: %v", s.Text(), err)
		}
		if m.end, err = strconv.ParseUint(bounds[1], 16, 64); err != nil {
			return nil, fmt.Errorf("malformed mapping %q: %v", s.Text(), err)
		}
		m.perms = fields[1]
		if m.offset, err = strconv.ParseUint(fields[2], 16, 64); err != nil {
			return nil, fmt.Errorf("malformed mapping %q: %v", s.Text(), err)
		}
		m.inode, _ = strconv.ParseUint(fields[4], 10, 64)
		if len(fields) > 5 {
			m.path = strings.Join(fields[5:], " ")
		}
		maps = append(maps, m)
	}
	return maps, s.Err()
}

// imageRange is the address range covered by every mapping of one file.
type imageRange struct {
	path       string
	start, end uint64
	// base is the address of the mapping of file offset zero.
	base uint64
}

// imageRanges groups the file backed mappings of maps by file, in the
// order they first appear. Pseudo files ([heap], [vdso]...) and deleted
// files are ignored.
func imageRanges(maps []mapping) []imageRange {
	byPath := make(map[string]*imageRange)
	var order []string
	for _, m := range maps {
		if !strings.HasPrefix(m.path, "/") || strings.HasSuffix(m.path, " (deleted)") || m.inode == 0 {
			continue
		}
		r, ok := byPath[m.path]
		if !ok {
			r = &imageRange{path: m.path, start: m.start, end: m.end, base: m.start - m.offset}
			byPath[m.path] = r
			order = append(order, m.path)
		}
		if m.start < r.start {
			r.start = m.start
		}
		if m.end > r.end {
			r.end = m.end
		}
		if m.offset == 0 {
			r.base = m.start
		}
	}
	ranges := make([]imageRange, 0, len(order))
	for _, path := range order {
		ranges = append(ranges, *byPath[path])
	}
	sort.SliceStable(ranges, func(i, j int) bool { return ranges[i].start < ranges[j].start })
	return ranges
}
