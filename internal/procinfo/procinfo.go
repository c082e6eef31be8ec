// Package procinfo reads /proc/<pid>/stat entries, the same table ps(1)
// draws from, for foreground-process detection and resource sampling.
// Without /proc (non-Linux platforms) the readers return an error and the
// lookups that report a bool report false.
package procinfo

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Stat mirrors the subset of /proc/<pid>/stat fields this daemon needs.
type Stat struct {
	Pid       int
	Comm      string
	State     byte
	PPid      int
	PGrp      int
	Session   int
	Utime     uint64
	Stime     uint64
	Starttime uint64
	Vsize     uint64
	RSS       int64
}

// ReadStat parses /proc/<pid>/stat. Comm may contain spaces or
// parentheses, so it is recovered from the last ')' rather than by
// positional scanning of the whole line.
func ReadStat(pid int) (Stat, error) {
	data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		return Stat{}, err
	}
	line := string(data)

	open := strings.IndexByte(line, '(')
	close := strings.LastIndexByte(line, ')')
	if open < 0 || close < 0 || close < open {
		return Stat{}, fmt.Errorf("procinfo: malformed stat line for pid %d", pid)
	}
	comm := line[open+1 : close]
	rest := strings.Fields(line[close+1:])
	if len(rest) < 20 {
		return Stat{}, fmt.Errorf("procinfo: short stat line for pid %d", pid)
	}

	s := Stat{Pid: pid, Comm: comm}
	if len(rest[0]) > 0 {
		s.State = rest[0][0]
	}
	s.PPid, _ = strconv.Atoi(rest[1])
	s.PGrp, _ = strconv.Atoi(rest[2])
	s.Session, _ = strconv.Atoi(rest[3])
	s.Utime, _ = strconv.ParseUint(rest[11], 10, 64)
	s.Stime, _ = strconv.ParseUint(rest[12], 10, 64)
	s.Starttime, _ = strconv.ParseUint(rest[19], 10, 64)
	if len(rest) > 21 {
		s.Vsize, _ = strconv.ParseUint(rest[20], 10, 64)
		rssPages, _ := strconv.ParseInt(rest[21], 10, 64)
		s.RSS = rssPages * int64(os.Getpagesize())
	}
	return s, nil
}

// Exe resolves /proc/<pid>/exe's target, the absolute path to the
// process's executable.
func Exe(pid int) (string, error) {
	return os.Readlink(filepath.Join("/proc", strconv.Itoa(pid), "exe"))
}

// IOBytes parses /proc/<pid>/io for cumulative bytes read and written.
func IOBytes(pid int) (readBytes, writeBytes uint64, err error) {
	data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "io"))
	if err != nil {
		return 0, 0, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.SplitN(line, ":", 2)
		if len(fields) != 2 {
			continue
		}
		key := strings.TrimSpace(fields[0])
		val, parseErr := strconv.ParseUint(strings.TrimSpace(fields[1]), 10, 64)
		if parseErr != nil {
			continue
		}
		switch key {
		case "read_bytes":
			readBytes = val
		case "write_bytes":
			writeBytes = val
		}
	}
	return readBytes, writeBytes, nil
}

// Children returns the pids of every process under /proc whose ppid
// equals parent. Non-numeric and unreadable entries are skipped.
func Children(parent int) ([]int, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, err
	}
	var kids []int
	for _, e := range entries {
		pid, convErr := strconv.Atoi(e.Name())
		if convErr != nil {
			continue
		}
		st, statErr := ReadStat(pid)
		if statErr != nil {
			continue
		}
		if st.PPid == parent {
			kids = append(kids, pid)
		}
	}
	return kids, nil
}

// LatestChild returns the child of parent with the greatest Starttime,
// i.e. the most recently spawned — used to approximate "the foreground
// process" of a PTY.
func LatestChild(parent int) (Stat, bool) {
	kids, err := Children(parent)
	if err != nil || len(kids) == 0 {
		return Stat{}, false
	}
	var latest Stat
	var found bool
	for _, pid := range kids {
		st, err := ReadStat(pid)
		if err != nil {
			continue
		}
		if !found || st.Starttime > latest.Starttime {
			latest = st
			found = true
		}
	}
	return latest, found
}

// Supported reports whether /proc-based sampling is available on this
// platform. Linux only; on other platforms the /proc readers return errors.
func Supported() bool {
	return runtime.GOOS == "linux"
}

type cacheEntry struct {
	stat    Stat
	ok      bool
	fetched time.Time
}

// Cache memoizes ReadStat results per pid for a caller-supplied TTL, so
// repeated lookups (e.g. foreground-process probes) don't re-read /proc
// on every call within the same short window.
type Cache struct {
	mu      sync.Mutex
	entries map[int]cacheEntry
	ttl     time.Duration
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{entries: make(map[int]cacheEntry), ttl: ttl}
}

func (c *Cache) Stat(pid int) (Stat, bool) {
	c.mu.Lock()
	if e, ok := c.entries[pid]; ok && time.Since(e.fetched) < c.ttl {
		c.mu.Unlock()
		return e.stat, e.ok
	}
	c.mu.Unlock()

	st, err := ReadStat(pid)
	ok := err == nil

	c.mu.Lock()
	c.entries[pid] = cacheEntry{stat: st, ok: ok, fetched: time.Now()}
	c.mu.Unlock()
	return st, ok
}
