package journal

import (
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

// RecoverResult is everything a replay driver needs: the validated sections
// in replay order and the highest sequence number found durable. Torn is set
// when the scan stopped before the end of the file set.
type RecoverResult struct {
	Sections []*Section
	LastSeq  uint64
	Torn     *TornTail

	// Sequence number of the last section scanned, applied prefix
	// included, for the monotonicity check.
	scanned uint64
}

// TornTail marks where the durable prefix ends when a scan stopped early.
// Size is the number of valid bytes in the stopping file, header included;
// zero means the file header itself was unusable.
type TornTail struct {
	FileN uint64
	Size  int64
}

// Recover scans the journal directory's files in order and returns every
// section that validates, stopping at the first invalid or truncated one;
// by the group-commit contract everything from that point on was never
// durable. Sections at or below the lsn record's sequence number are skipped
// when the record verifies, as they are already applied.
//
// A version mismatch on an otherwise valid file header is returned to the
// caller rather than treated as corruption.
func Recover(logger log.Logger, dir string) (*RecoverResult, error) {
	res := &RecoverResult{}

	applied := uint64(0)
	if lsn, err := ReadLSNFile(dir); err == nil {
		applied = lsn
		res.LastSeq = lsn
	} else if !os.IsNotExist(errors.Cause(err)) {
		level.Warn(logger).Log("msg", "lsn record unusable, rescanning from the start", "err", err)
	}

	refs, err := Files(dir)
	if err != nil {
		return nil, err
	}

	for _, ref := range refs {
		stop, err := recoverFile(logger, dir, ref.n, applied, res)
		if err != nil {
			return nil, err
		}
		if stop {
			break
		}
	}

	return res, nil
}

// Repair truncates the torn tail a scan stopped at, so that sections written
// after it become reachable again. The stopping file is cut back to its valid
// prefix (or removed when its header was unusable) and every later file goes
// with it; nothing in them was ever durable.
func Repair(logger log.Logger, dir string, torn *TornTail) error {
	refs, err := Files(dir)
	if err != nil {
		return err
	}

	for _, ref := range refs {
		if ref.n > torn.FileN {
			level.Warn(logger).Log("msg", "removing journal file past the torn tail", "file", ref.n)
			if err := os.Remove(FileName(dir, ref.n)); err != nil {
				return errors.Wrap(err, "remove file past torn tail")
			}
		}
	}

	name := FileName(dir, torn.FileN)
	if torn.Size < FileHeaderSize {
		level.Warn(logger).Log("msg", "removing journal file with unusable header", "file", torn.FileN)
		return errors.Wrap(os.Remove(name), "remove torn file")
	}

	level.Warn(logger).Log("msg", "truncating journal file at torn tail", "file", torn.FileN, "size", torn.Size)
	return errors.Wrap(os.Truncate(name, torn.Size), "truncate torn tail")
}

func recoverFile(logger log.Logger, dir string, n uint64, applied uint64, res *RecoverResult) (stop bool, err error) {
	f, hdr, err := OpenReadFile(dir, n)
	if err != nil {
		if errors.Is(err, VersionMismatch) {
			return true, err
		}
		if errors.Is(err, HeaderInvalid) {
			// An unusable file ends the durable prefix.
			level.Warn(logger).Log("msg", "journal file header invalid, ending scan", "file", n, "err", err)
			res.Torn = &TornTail{FileN: n}
			return true, nil
		}
		return true, err
	}
	defer f.Close()

	valid := int64(FileHeaderSize)
	r := NewReader(f)

	for r.Next() {
		s := r.Section()

		if s.Header.FileID != hdr.FileID {
			level.Warn(logger).Log("msg", "section from a previous file incarnation, ending scan", "file", n, "seq", s.Header.SeqNumber)
			res.Torn = &TornTail{FileN: n, Size: valid}
			return true, nil
		}
		if s.Header.SeqNumber <= res.scanned {
			level.Warn(logger).Log("msg", "non-monotonic sequence number, ending scan", "file", n, "seq", s.Header.SeqNumber)
			res.Torn = &TornTail{FileN: n, Size: valid}
			return true, nil
		}

		res.scanned = s.Header.SeqNumber
		valid += int64(s.Header.Len)

		if s.Header.SeqNumber > applied {
			res.Sections = append(res.Sections, s)
		}
		if s.Header.SeqNumber > res.LastSeq {
			res.LastSeq = s.Header.SeqNumber
		}
	}

	if err := r.Err(); err != nil {
		// Corruption ends the durable prefix; it is not an error for
		// recovery itself.
		level.Warn(logger).Log("msg", "journal file corrupt past this point, ending scan", "file", n, "err", err)
		res.Torn = &TornTail{FileN: n, Size: valid}
		return true, nil
	}

	return false, nil
}
