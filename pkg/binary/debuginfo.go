package binary

import (
	"bytes"
	"debug/elf"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
)

const DefaultDebugRoot = "/usr/lib/debug"

// buildID returns the hex GNU build-id of f.
func buildID(f *elf.File) (string, error) {
	sec := f.Section(".note.gnu.build-id")
	if sec == nil {
		return "", errors.New("no build-id note")
	}
	data, err := sec.Data()
	if err != nil {
		return "", err
	}
	for len(data) >= 12 {
		namesz := f.ByteOrder.Uint32(data[0:4])
		descsz := f.ByteOrder.Uint32(data[4:8])
		typ := f.ByteOrder.Uint32(data[8:12])
		name := 12 + align4(namesz)
		end := name + align4(descsz)
		if uint64(len(data)) < uint64(name)+uint64(descsz) {
			break
		}
		if typ == 3 && namesz == 4 && string(data[12:15]) == "GNU" { // NT_GNU_BUILD_ID
			return hex.EncodeToString(data[name : name+descsz]), nil
		}
		if uint64(len(data)) < uint64(end) {
			break
		}
		data = data[end:]
	}
	return "", errors.New("no build-id note")
}

func align4(n uint32) uint32 {
	return (n + 3) &^ 3
}

// debugLink parses .gnu_debuglink: a file name, padding to 4 bytes, a CRC32.
func debugLink(f *elf.File) (string, uint32, error) {
	sec := f.Section(".gnu_debuglink")
	if sec == nil {
		return "", 0, errors.New("no debuglink")
	}
	data, err := sec.Data()
	if err != nil {
		return "", 0, err
	}
	nul := bytes.IndexByte(data, 0)
	if nul <= 0 {
		return "", 0, errors.New("malformed debuglink")
	}
	off := align4(uint32(nul + 1))
	if int(off)+4 > len(data) {
		return "", 0, errors.New("malformed debuglink")
	}
	return string(data[:nul]), f.ByteOrder.Uint32(data[off : off+4]), nil
}

func fileCRC(path string) (uint32, error) {
	fd, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer fd.Close()
	h := crc32.NewIEEE()
	if _, err := io.Copy(h, fd); err != nil {
		return 0, err
	}
	return h.Sum32(), nil
}

func buildIDPath(root, id string) string {
	return filepath.Join(root, ".build-id", id[:2], id[2:]+".debug")
}

// findDebugFile locates the separate debug file of path, first by build-id,
// then by debuglink.
func findDebugFile(path string, f *elf.File, roots []string) (string, error) {
	if id, err := buildID(f); err == nil && len(id) > 2 {
		for _, root := range roots {
			candidate := buildIDPath(root, id)
			if _, err := os.Stat(candidate); err == nil {
				return candidate, nil
			}
		}
	}

	name, crc, err := debugLink(f)
	if err != nil {
		return "", fmt.Errorf("%w for %s", ErrNoDebugInfo, path)
	}
	dir := filepath.Dir(path)
	candidates := []string{
		filepath.Join(dir, name),
		filepath.Join(dir, ".debug", name),
	}
	for _, root := range roots {
		candidates = append(candidates, filepath.Join(root, dir, name))
	}
	for _, candidate := range candidates {
		if candidate == path {
			continue
		}
		sum, err := fileCRC(candidate)
		if err != nil {
			continue
		}
		if sum == crc {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w for %s", ErrNoDebugInfo, path)
}
