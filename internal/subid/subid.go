// Package subid builds the sub-UID/sub-GID range tables the coordinator
// hands to the Privilege-Map Helper, by combining the caller's real id
// with whatever ranges /etc/subuid or /etc/subgid delegate to them.
package subid

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/alexlarsson/groot/internal/logger"
)

// Triple is one row of a newuidmap/newgidmap mapping: length
// in-namespace ids starting at NSStart map to the same count of host ids
// starting at HostStart.
type Triple struct {
	NSStart   uint32
	HostStart uint32
	Length    uint32
}

// Table is an ordered, dense-from-zero set of id mapping triples.
type Table []Triple

// Args renders the table as the flat argument list newuidmap/newgidmap
// expect after the target pid: "<ns_start> <host_start> <length>" per
// triple, all space-separated.
func (t Table) Args() []string {
	args := make([]string, 0, len(t)*3)
	for _, triple := range t {
		args = append(args,
			strconv.FormatUint(uint64(triple.NSStart), 10),
			strconv.FormatUint(uint64(triple.HostStart), 10),
			strconv.FormatUint(uint64(triple.Length), 10),
		)
	}
	return args
}

// BuildTable constructs the mapping table for one of uid/gid: the caller's
// own host id always maps to namespace id 0, followed by every
// contiguous allocation the sub-id file at path grants to login. A
// missing allocation is not an error; it leaves the table holding only
// the identity mapping and logs a warning, per the limited-support
// behaviour callers are expected to preserve.
func BuildTable(path string, login string, hostID uint32) (Table, error) {
	table := Table{{NSStart: 0, HostStart: hostID, Length: 1}}

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		logger.Warnf("subid: %s does not exist, limited user/group support", path)
		return table, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	nsNext := uint32(1)
	found := false
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, ":")
		if len(fields) != 3 {
			logger.Warnf("subid: %s:%d: malformed line, ignoring", path, lineNo)
			continue
		}
		if fields[0] != login {
			continue
		}
		start, err := strconv.ParseUint(fields[1], 10, 32)
		if err != nil {
			logger.Warnf("subid: %s:%d: malformed start, ignoring", path, lineNo)
			continue
		}
		length, err := strconv.ParseUint(fields[2], 10, 32)
		if err != nil {
			logger.Warnf("subid: %s:%d: malformed count, ignoring", path, lineNo)
			continue
		}
		if length == 0 {
			continue
		}
		table = append(table, Triple{NSStart: nsNext, HostStart: uint32(start), Length: uint32(length)})
		nsNext += uint32(length)
		found = true
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", path, err)
	}
	if !found {
		logger.Warnf("subid: no allocation for %q in %s, limited user/group support", login, path)
	}
	return table, nil
}

// MaxNamespaceID returns one past the highest namespace id this table
// maps (an exclusive upper bound), used as the identity-projection
// ceiling: a mounted grootfs driver reports real ids at or above it as 0.
func (t Table) MaxNamespaceID() uint32 {
	var max uint32
	for _, triple := range t {
		if top := triple.NSStart + triple.Length; top > max {
			max = top
		}
	}
	return max
}
