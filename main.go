package main

import (
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"quill/config"
	"quill/storage/journal"
)

func main() {
	logger := log.NewLogfmtLogger(os.Stdout)
	registerer := prometheus.NewRegistry()

	opts := config.DefaultJournalOptions("data")

	j, err := journal.NewJournal(logger, registerer, opts)

	if err != nil {
		level.Error(logger).Log("err", err)
		return
	}

	writes := []journal.Write{
		{DB: "app", FileNo: 0, Ofs: 0, Data: []byte("hello journal")},
		{DB: "app", FileNo: journal.NsFileNo, Ofs: 64, Data: []byte("catalog touch")},
		{DB: "accounts", FileNo: 1, Ofs: 4096, Data: []byte("second database")},
	}

	seq, err := j.Commit(writes)

	if err != nil {
		level.Error(logger).Log("msg", "commit failed", "err", err)
		return
	}

	logger.Log("msg", "committed", "seq", seq)

	if err := j.Stop(); err != nil {
		level.Error(logger).Log("err", err)
		return
	}

	res, err := journal.Recover(logger, opts.Dir)

	if err != nil {
		level.Error(logger).Log("msg", "recover failed", "err", err)
		return
	}

	logger.Log("msg", "recovered", "sections", len(res.Sections), "lastSeq", res.LastSeq)
}
