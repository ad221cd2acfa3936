package config

const (
	DefaultMaxFileSize     = 1 * 1024 * 1024 * 1024
	DefaultBuilderInitSize = 4 * 1024 * 1024
)

type Config struct {
	Journal JournalOptions
}

type JournalOptions struct {
	// Dir holds the journal files and the lsn record.
	Dir string

	// MaxFileSize caps one journal file; the writer rotates to the next
	// numbered file before exceeding it.
	MaxFileSize int64

	// BuilderInitSize pre-sizes the section buffer so the commit path
	// avoids grow-and-copy.
	BuilderInitSize int
}

func DefaultJournalOptions(dir string) JournalOptions {
	return JournalOptions{
		Dir:             dir,
		MaxFileSize:     DefaultMaxFileSize,
		BuilderInitSize: DefaultBuilderInitSize,
	}
}
