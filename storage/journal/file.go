package journal

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/prometheus/tsdb/wlog"
)

const filePrefix = "j._"

// File is one journal file on disk. Writers append sections after the fixed
// FileHeader; readers validate the header before trusting any section.
type File struct {
	wlog.SegmentFile
	dir string
	n   uint64
	id  uint64
}

type FileRef struct {
	name string
	n    uint64
}

func FileName(dir string, n uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%s%d", filePrefix, n))
}

// newFileID picks a nonzero identifier for a file slot's current incarnation.
// Recycled slots get a fresh id so stale sections can never match.
func newFileID() uint64 {
	for {
		if id := uint64(time.Now().UnixNano()); id != 0 {
			return id
		}
	}
}

// CreateFile initializes journal file n, truncating any previous incarnation
// of the slot and writing a fresh FileHeader.
func CreateFile(dir string, n uint64) (*File, error) {
	name := FileName(dir, n)

	f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o666)
	if err != nil {
		return nil, err
	}

	hdr := NewFileHeader(name, newFileID())
	if _, err := f.Write(hdr.Encode()); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "write file header")
	}

	return &File{
		SegmentFile: f,
		dir:         dir,
		n:           n,
		id:          hdr.FileID,
	}, nil
}

// OpenReadFile opens journal file n for reading, validates its header and
// leaves the read position at the first section.
func OpenReadFile(dir string, n uint64) (*File, *FileHeader, error) {
	f, err := os.Open(FileName(dir, n))
	if err != nil {
		return nil, nil, err
	}

	buf := make([]byte, FileHeaderSize)
	if _, err := io.ReadFull(f, buf); err != nil {
		f.Close()
		return nil, nil, errors.Wrap(err, "read file header")
	}

	hdr, err := DecodeFileHeader(buf)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	if !hdr.Valid() {
		f.Close()
		return nil, nil, errors.Wrapf(HeaderInvalid, "%s", FileName(dir, n))
	}
	if !hdr.VersionOK() {
		f.Close()
		return nil, nil, errors.Wrapf(VersionMismatch, "have 0x%04x, want 0x%04x", hdr.Version, uint16(CurrentVersion))
	}

	return &File{SegmentFile: f, dir: dir, n: n, id: hdr.FileID}, &hdr, nil
}

// Files lists the journal files in dir, ordered by file number. Non-journal
// files (the lsn record among them) are skipped.
func Files(dir string) ([]FileRef, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	refs := make([]FileRef, 0, len(files))

	for _, file := range files {
		fileName := file.Name()

		if !strings.HasPrefix(fileName, filePrefix) {
			continue
		}

		// Stray names like "j._0.tmp" are not part of the journal.
		n, err := strconv.ParseUint(strings.TrimPrefix(fileName, filePrefix), 10, 64)
		if err != nil {
			continue
		}

		refs = append(refs, FileRef{name: fileName, n: n})
	}

	sort.Slice(refs, func(i, j int) bool {
		return refs[i].n < refs[j].n
	})

	return refs, nil
}

func LastFile(dir string) (*FileRef, error) {
	refs, err := Files(dir)

	if err != nil {
		return nil, err
	}

	if len(refs) == 0 {
		return nil, nil
	}

	return &refs[len(refs)-1], nil
}

// FileID returns the id of this incarnation of the file slot.
func (f *File) FileID() uint64 { return f.id }

// Number returns the file's position in the journal sequence.
func (f *File) Number() uint64 { return f.n }
