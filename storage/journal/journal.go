package journal

import (
	"os"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"quill/config"
)

var (
	JournalClosed        = errors.New("journal closed")
	JournalAlreadyClosed = errors.New("journal already closed")
	EmptyCommit          = errors.New("commit carries no writes")
)

// Write is one pending data-file write to be made durable.
type Write struct {
	DB     string
	FileNo uint32
	Ofs    uint32
	Local  bool // apply against the local database, ignoring DB
	Data   []byte
}

// Journal is the group-commit writer. Each Commit assembles one section into
// a page-aligned buffer, appends it to the active journal file, fsyncs, and
// only then records the new durable sequence number.
//
// A Journal instance is not safe for concurrent use of a single Commit; the
// internal mutex serializes callers so sequence numbers stay monotonic in
// durability order.
type Journal struct {
	logger  log.Logger
	opts    config.JournalOptions
	metrics *JournalMetrics

	builder *AlignedBuilder
	file    *File
	written int64
	seq     uint64

	mutex     sync.Mutex
	closed    bool
	workQueue chan func()
	stopc     chan chan struct{}
}

type JournalMetrics struct {
	sectionsWritten prometheus.Counter
	bytesWritten    prometheus.Counter
	fsyncDuration   prometheus.Histogram
	writesFailed    prometheus.Counter
}

func NewJournal(logger log.Logger, registerer prometheus.Registerer, opts config.JournalOptions) (*Journal, error) {
	if opts.MaxFileSize <= FileHeaderSize {
		return nil, errors.Errorf("max file size %d cannot hold a file header", opts.MaxFileSize)
	}

	if err := os.MkdirAll(opts.Dir, 0o777); err != nil {
		return nil, err
	}

	j := &Journal{
		logger:    logger,
		opts:      opts,
		builder:   NewAlignedBuilder(opts.BuilderInitSize),
		stopc:     make(chan chan struct{}),
		workQueue: make(chan func(), 100),
	}

	j.metrics = NewJournalMetrics(prometheus.WrapRegistererWithPrefix("storage_journal_", registerer))

	next := uint64(0)
	last, err := LastFile(opts.Dir)
	if err != nil {
		return nil, err
	}
	if last != nil {
		// Resume numbering above everything already durable in the
		// file set.
		res, err := Recover(logger, opts.Dir)
		if err != nil {
			return nil, err
		}
		if res.Torn != nil {
			// Cut the torn tail away before accepting commits, or a
			// later scan would stop there and never reach them.
			if err := Repair(logger, opts.Dir, res.Torn); err != nil {
				return nil, err
			}
		}
		j.seq = res.LastSeq
		next = last.n + 1
	}

	file, err := CreateFile(opts.Dir, next)
	if err != nil {
		return nil, err
	}
	j.setFile(file)

	go j.run()

	return j, nil
}

func NewJournalMetrics(registerer prometheus.Registerer) *JournalMetrics {
	m := &JournalMetrics{}

	m.sectionsWritten = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sections_written_total",
		Help: "Total number of group-commit sections written.",
	})

	m.bytesWritten = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bytes_written_total",
		Help: "Total number of section bytes written.",
	})

	m.fsyncDuration = prometheus.NewSummary(prometheus.SummaryOpts{
		Name:       "fsync_duration_seconds",
		Help:       "Duration of journal file fsync.",
		Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
	})

	m.writesFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "writes_failed_total",
		Help: "Total number of commits that failed.",
	})

	if registerer != nil {
		registerer.MustRegister(m.sectionsWritten, m.bytesWritten, m.fsyncDuration, m.writesFailed)
	}

	return m
}

func (j *Journal) setFile(file *File) {
	j.file = file
	j.written = FileHeaderSize
}

// Commit makes one group of writes durable as a single section and returns
// its sequence number. The section is applied wholly or not at all on
// recovery, so a failed commit leaves nothing partially durable.
func (j *Journal) Commit(writes []Write) (uint64, error) {
	j.mutex.Lock()
	defer j.mutex.Unlock()

	seq, err := j.commit(writes)
	if err != nil {
		j.metrics.writesFailed.Inc()
		return 0, err
	}

	return seq, nil
}

func (j *Journal) commit(writes []Write) (uint64, error) {
	if j.closed {
		return 0, JournalClosed
	}
	if len(writes) == 0 {
		return 0, EmptyCommit
	}

	// Rotate before assembling: the section header carries the owning
	// file's id, so the target file must be settled first. The estimate
	// undercounts by the few bytes of context markers, which the max file
	// size tolerates as slack.
	if j.written+estimateSectionSize(writes) > j.opts.MaxFileSize && j.written > FileHeaderSize {
		if err := j.nextFile(); err != nil {
			return 0, err
		}
	}

	j.builder.Reset()

	sb := NewSectionBuilder(j.logger, j.builder)
	sb.Begin(j.seq+1, j.file.id)

	for _, w := range writes {
		e := Entry{Ofs: w.Ofs}
		e.SetFileNo(w.FileNo)
		if w.Local {
			e.SetLocalDBContextBit()
		}

		if err := sb.AppendEntry(w.DB, e, w.Data); err != nil {
			return 0, err
		}
	}

	section, err := sb.Finish()
	if err != nil {
		return 0, err
	}

	n, err := j.file.Write(section)
	j.written += int64(n)
	if err != nil {
		return 0, errors.Wrap(err, "append section")
	}

	if err := j.fsync(j.file); err != nil {
		return 0, errors.Wrap(err, "sync section")
	}

	j.seq++
	j.metrics.sectionsWritten.Inc()
	j.metrics.bytesWritten.Add(float64(len(section)))

	return j.seq, nil
}

// NoteApplied records that every section up to and including seq has been
// applied to the data files, letting the next recovery skip them. The lsn
// record trails the journal on purpose; it may never run ahead of it.
func (j *Journal) NoteApplied(seq uint64) error {
	j.mutex.Lock()
	defer j.mutex.Unlock()

	if seq > j.seq {
		return errors.Errorf("sequence %d not yet durable (last is %d)", seq, j.seq)
	}

	return WriteLSNFile(j.opts.Dir, seq)
}

func estimateSectionSize(writes []Write) int64 {
	n := int64(SectionHeaderSize + SectionFooterSize)
	for _, w := range writes {
		n += EntryHeaderSize + int64(len(w.Data))
	}
	return n
}

func (j *Journal) nextFile() error {
	next, err := CreateFile(j.opts.Dir, j.file.n+1)
	if err != nil {
		return err
	}

	prev := j.file
	j.setFile(next)

	j.workQueue <- func() {
		if err := j.fsync(prev); err != nil {
			level.Error(j.logger).Log("msg", "error syncing previous journal file", "err", err, "file", prev.n)
		}

		if err := prev.Close(); err != nil {
			level.Error(j.logger).Log("msg", "error closing previous journal file", "err", err, "file", prev.n)
		}
	}

	return nil
}

func (j *Journal) fsync(f *File) error {
	now := time.Now()
	err := f.Sync()

	j.metrics.fsyncDuration.Observe(time.Since(now).Seconds())

	return err
}

func (j *Journal) run() {
Loop:
	for {
		select {
		case f := <-j.workQueue:
			f()
		case donec := <-j.stopc:
			close(j.workQueue)
			defer close(donec)
			break Loop
		}
	}

	for f := range j.workQueue {
		f()
	}
}

// LastSeq returns the sequence number of the most recent durable section.
func (j *Journal) LastSeq() uint64 {
	j.mutex.Lock()
	defer j.mutex.Unlock()

	return j.seq
}

// Stop drains background work, syncs and closes the active file. The journal
// cannot be used afterwards.
func (j *Journal) Stop() error {
	j.mutex.Lock()
	defer j.mutex.Unlock()

	if j.closed {
		return JournalAlreadyClosed
	}

	donec := make(chan struct{})
	j.stopc <- donec
	<-donec

	if err := j.fsync(j.file); err != nil {
		level.Error(j.logger).Log("msg", "sync active journal file", "err", err)
	}
	if err := j.file.Close(); err != nil {
		level.Error(j.logger).Log("msg", "close active journal file", "err", err)
	}

	j.closed = true
	return nil
}
