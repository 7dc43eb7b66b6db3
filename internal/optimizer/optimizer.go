// Package optimizer is the target-list pre-optimizer collaborator: it
// takes a raw list of IPv4 addresses, CIDR blocks, and address ranges
// and rewrites it into the flat, sorted list of concrete targets the
// scheduler's stages dispense one line at a time.
//
// The coordinator treats this as an external collaborator contract —
// "take lines in, write a live-target list out" — but scenario S1
// requires deterministic, testable CIDR-collapsing behavior, so this
// package implements that contract directly rather than shelling out.
package optimizer

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"sort"
	"strings"
)

// entry is one expanded target line paired with the numeric IPv4
// address used to order the final list.
type entry struct {
	addr uint32
	line string
}

// Optimize expands every CIDR block wider than /24 in lines into its
// constituent /24 blocks, passes through bare addresses, /24-or-narrower
// CIDR blocks, and "a.b.c.d-e" ranges unchanged, then returns the full
// set sorted by each line's starting IPv4 address.
func Optimize(lines []string) ([]string, error) {
	var entries []entry

	for _, raw := range lines {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		expanded, err := expand(line)
		if err != nil {
			return nil, fmt.Errorf("optimizing target %q: %w", line, err)
		}
		entries = append(entries, expanded...)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].addr < entries[j].addr
	})

	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.line
	}
	return out, nil
}

func expand(line string) ([]entry, error) {
	switch {
	case strings.Contains(line, "-"):
		return expandRange(line)
	case strings.Contains(line, "/"):
		return expandCIDR(line)
	default:
		ip := net.ParseIP(line).To4()
		if ip == nil {
			return nil, fmt.Errorf("not a valid IPv4 address: %q", line)
		}
		return []entry{{addr: ipToUint32(ip), line: line}}, nil
	}
}

// expandRange passes an "a.b.c.d-e" range through unchanged, ordering
// it by its starting address.
func expandRange(line string) ([]entry, error) {
	base := line
	dash := strings.LastIndex(line, "-")
	prefix := line[:dash]
	lastDot := strings.LastIndex(prefix, ".")
	if lastDot < 0 {
		return nil, fmt.Errorf("malformed range: %q", line)
	}
	startIP := net.ParseIP(prefix).To4()
	if startIP == nil {
		return nil, fmt.Errorf("malformed range start in %q", line)
	}
	return []entry{{addr: ipToUint32(startIP), line: base}}, nil
}

// expandCIDR passes through networks of /24 or narrower unchanged; for
// wider networks it splits the block into its constituent /24 blocks,
// each a separate output line.
func expandCIDR(line string) ([]entry, error) {
	ip, ipNet, err := net.ParseCIDR(line)
	if err != nil {
		return nil, fmt.Errorf("malformed CIDR: %w", err)
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("only IPv4 CIDR blocks are supported: %q", line)
	}

	ones, bits := ipNet.Mask.Size()
	if bits != 32 {
		return nil, fmt.Errorf("only IPv4 CIDR blocks are supported: %q", line)
	}
	if ones >= 24 {
		return []entry{{addr: ipToUint32(ipNet.IP.To4()), line: line}}, nil
	}

	blockCount := uint32(1) << uint(24-ones)
	base := ipToUint32(ipNet.IP.To4())
	entries := make([]entry, 0, blockCount)
	for i := uint32(0); i < blockCount; i++ {
		blockAddr := base + i<<8
		entries = append(entries, entry{
			addr: blockAddr,
			line: uint32ToIP(blockAddr).String() + "/24",
		})
	}
	return entries, nil
}

func ipToUint32(ip net.IP) uint32 {
	return binary.BigEndian.Uint32(ip.To4())
}

func uint32ToIP(v uint32) net.IP {
	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, v)
	return ip
}

// OptimizeFile reads srcPath's target list, optimizes it, and writes
// the result to dstPath — one target per line. The srv command uses it
// to turn the operator's targets file into the target queue the
// Discovery stage reads.
func OptimizeFile(srcPath, dstPath string) error {
	lines, err := readLines(srcPath)
	if err != nil {
		return err
	}
	optimized, err := Optimize(lines)
	if err != nil {
		return err
	}
	return writeLines(dstPath, optimized)
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return lines, nil
}

func writeLines(path string, lines []string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, l := range lines {
		if _, err := w.WriteString(l + "\n"); err != nil {
			return fmt.Errorf("writing %s: %w", path, err)
		}
	}
	return w.Flush()
}

// ExtractLiveHosts parses report files matching a Discovery stage's
// output (plain text, one discovered "Host: <ip> ... up" marker or a
// bare IPv4 address per line — the scanner report's exact schema is an
// external collaborator concern, so this accepts the simplest common
// shape) and returns the sorted, deduplicated list of live host
// addresses found.
func ExtractLiveHosts(reportPaths []string) ([]string, error) {
	seen := make(map[string]struct{})
	var hosts []string

	for _, path := range reportPaths {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("opening report %s: %w", path, err)
		}
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			for _, field := range strings.Fields(line) {
				field = strings.Trim(field, "()")
				if ip := net.ParseIP(field); ip != nil && ip.To4() != nil {
					if _, ok := seen[field]; !ok {
						seen[field] = struct{}{}
						hosts = append(hosts, field)
					}
				}
			}
		}
		err = scanner.Err()
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("reading report %s: %w", path, err)
		}
	}

	sort.Slice(hosts, func(i, j int) bool {
		return ipToUint32(net.ParseIP(hosts[i]).To4()) < ipToUint32(net.ParseIP(hosts[j]).To4())
	})
	return hosts, nil
}
