// Command zseek is a CLI front end for the seekable zstd container: it
// compresses, decompresses (optionally over a byte or frame range), and
// lists the frames of an archive produced by this module.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/SaveTheRbtz/fastcdc-go"
	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"

	seekable "github.com/zseekfmt/zseekfmt"
	"github.com/zseekfmt/zseekfmt/internal/source"
)

// commonFlags holds the flags shared by all three subcommands.
type commonFlags struct {
	output          string
	stdout          bool
	force           bool
	seekTableFile   string
	seekTableFormat string
	verbose         bool
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.output, "o", "", "output filename (default: derived from input)")
	fs.BoolVar(&c.stdout, "c", false, "write output to stdout")
	fs.BoolVar(&c.force, "f", false, "overwrite existing output and allow writing binary data to a terminal")
	fs.StringVar(&c.seekTableFile, "seek-table-file", "", "write/read the seek table as a separate side file")
	fs.StringVar(&c.seekTableFormat, "seek-table-format", "foot", "seek table layout: foot or head")
	fs.BoolVar(&c.verbose, "v", false, "verbose (development) logging")
}

func (c *commonFlags) format() (seekable.Format, error) {
	switch strings.ToLower(c.seekTableFormat) {
	case "foot", "":
		return seekable.FormatFoot, nil
	case "head":
		return seekable.FormatHead, nil
	default:
		return 0, fmt.Errorf("unknown --seek-table-format %q", c.seekTableFormat)
	}
}

func newLogger(verbose bool) *zap.Logger {
	var l *zap.Logger
	var err error
	if verbose {
		l, err = zap.NewDevelopment()
	} else {
		l, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	return l
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cmd, rest := os.Args[1], os.Args[2:]
	var err error
	switch cmd {
	case "compress":
		err = runCompress(rest)
	case "decompress", "d":
		err = runDecompress(rest)
	case "list", "l":
		err = runList(rest)
	case "-h", "--help", "help":
		usage()
		return
	default:
		// No subcommand named: default to compress, the way a plain
		// `zstd file` defaults to compression.
		err = runCompress(os.Args[1:])
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "zseek:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: zseek [compress] [flags] <file>
       zseek decompress|d [flags] <file>
       zseek list|l [flags] <file>`)
}

func openInput(path string) (*os.File, error) {
	if path == "" || path == "-" {
		return os.Stdin, nil
	}
	return os.Open(path)
}

// openOutput opens dst for writing, refusing to clobber an existing file or
// write binary data to a terminal unless force is set. /dev/null is always
// writable regardless of force.
func openOutput(dst string, force bool) (*os.File, error) {
	if dst == "/dev/null" {
		return os.OpenFile(dst, os.O_WRONLY, 0)
	}
	if dst == "" || dst == "-" {
		if !force && isTerminal(os.Stdout) {
			return nil, errors.New("refusing to write binary data to a terminal, use -f to override")
		}
		return os.Stdout, nil
	}
	flags := os.O_WRONLY | os.O_CREATE
	if force {
		flags |= os.O_TRUNC
	} else {
		flags |= os.O_EXCL
	}
	return os.OpenFile(dst, flags, 0644)
}

func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

// parseSize parses a byte count with an optional K/M/G suffix (binary,
// i.e. K = 1024).
func parseSize(s string) (uint32, error) {
	mult := uint64(1)
	switch {
	case strings.HasSuffix(s, "K") || strings.HasSuffix(s, "k"):
		mult = 1 << 10
		s = s[:len(s)-1]
	case strings.HasSuffix(s, "M") || strings.HasSuffix(s, "m"):
		mult = 1 << 20
		s = s[:len(s)-1]
	case strings.HasSuffix(s, "G") || strings.HasSuffix(s, "g"):
		mult = 1 << 30
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	v := n * mult
	if v > seekable.MaxFrameEntrySize {
		return 0, fmt.Errorf("size %q overflows a frame entry", s)
	}
	return uint32(v), nil
}

func runCompress(args []string) error {
	fs := flag.NewFlagSet("compress", flag.ExitOnError)
	var c commonFlags
	c.register(fs)
	maxFrameSize := fs.String("max-frame-size", "2M", "maximum decompressed frame size, accepts K/M/G suffixes")
	level := fs.Int("level", 3, "zstd compression level")
	checksum := fs.Bool("checksum", false, "write a zstd content checksum on every frame")
	cdc := fs.Bool("cdc", false, "pre-split input on content-defined chunk boundaries before framing")
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger := newLogger(c.verbose)
	defer logger.Sync()

	inputPath := fs.Arg(0)
	in, err := openInput(inputPath)
	if err != nil {
		return fmt.Errorf("open input: %w", err)
	}
	if in != os.Stdin {
		defer in.Close()
	}

	dst := c.output
	if dst == "" && !c.stdout && inputPath != "" && inputPath != "-" {
		dst = inputPath + ".sz"
	}
	if c.stdout {
		dst = "-"
	}
	out, err := openOutput(dst, c.force)
	if err != nil {
		return fmt.Errorf("open output: %w", err)
	}
	if out != os.Stdout {
		defer out.Close()
	}

	frameSize, err := parseSize(*maxFrameSize)
	if err != nil {
		return err
	}
	format, err := c.format()
	if err != nil {
		return err
	}

	opts := []seekable.WOption{
		seekable.WithWriterLogger(logger),
		seekable.WithMaxFrameSize(frameSize),
		seekable.WithCompressionLevel(*level),
		seekable.WithChecksumFrames(*checksum),
		seekable.WithSeekTableFormat(format),
	}
	if c.seekTableFile != "" {
		opts = append(opts, seekable.WithWriteSeekTable(false))
	}

	w, err := seekable.NewWriter(out, opts...)
	if err != nil {
		return fmt.Errorf("create writer: %w", err)
	}

	fi, _ := in.Stat()
	var bar *progressbar.ProgressBar
	if fi != nil && fi.Size() > 0 {
		bar = progressbar.DefaultBytes(fi.Size(), "compressing")
	} else {
		bar = progressbar.DefaultBytes(-1, "compressing")
	}
	defer bar.Finish()

	if *cdc {
		chunker, err := fastcdc.NewChunker(in, fastcdc.Options{
			MinSize:     4 << 10,
			AverageSize: 16 << 10,
			MaxSize:     64 << 10,
		})
		if err != nil {
			return fmt.Errorf("create chunker: %w", err)
		}
		for {
			chunk, err := chunker.Next()
			if err != nil {
				if errors.Is(err, io.EOF) {
					break
				}
				return fmt.Errorf("chunk input: %w", err)
			}
			if _, err := w.Write(chunk.Data); err != nil {
				return fmt.Errorf("write frame: %w", err)
			}
			bar.Add(len(chunk.Data))
		}
	} else {
		if _, err := io.Copy(io.MultiWriter(w, bar), in); err != nil {
			return fmt.Errorf("compress: %w", err)
		}
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}

	if c.seekTableFile != "" {
		tf, err := openOutput(c.seekTableFile, c.force)
		if err != nil {
			return fmt.Errorf("open seek table file: %w", err)
		}
		defer tf.Close()
		if err := w.WriteSeekTableTo(tf); err != nil {
			return fmt.Errorf("write seek table: %w", err)
		}
	}

	return nil
}

func runDecompress(args []string) error {
	fs := flag.NewFlagSet("decompress", flag.ExitOnError)
	var c commonFlags
	c.register(fs)
	from := fs.String("from", "start", "starting byte offset, or \"start\"")
	to := fs.String("to", "end", "ending byte offset (exclusive), or \"end\"")
	fromFrame := fs.Int64("from-frame", -1, "starting frame index, overrides --from")
	toFrame := fs.Int64("to-frame", -1, "ending frame index (inclusive), overrides --to")
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger := newLogger(c.verbose)
	defer logger.Sync()

	inputPath := fs.Arg(0)
	src, closeSrc, err := openSource(inputPath, c)
	if err != nil {
		return err
	}
	defer closeSrc()

	format, err := c.format()
	if err != nil {
		return err
	}
	table, err := loadTable(src, c, format, logger)
	if err != nil {
		return err
	}

	r, err := seekable.NewReader(src, seekable.WithReaderLogger(logger), seekable.WithSeekTable(table))
	if err != nil {
		return fmt.Errorf("create reader: %w", err)
	}
	defer r.Close()

	start, err := parseOffset(*from, table.SizeDecompressed())
	if err != nil {
		return fmt.Errorf("--from: %w", err)
	}
	end, err := parseOffset(*to, table.SizeDecompressed())
	if err != nil {
		return fmt.Errorf("--to: %w", err)
	}

	if *fromFrame >= 0 || *toFrame >= 0 {
		lower := *fromFrame
		if lower < 0 {
			lower = 0
		}
		upper := *toFrame
		if upper < 0 {
			upper = table.NumFrames() - 1
		}
		if err := r.SetFrameWindow(lower, upper); err != nil {
			return fmt.Errorf("set frame window: %w", err)
		}
		// The frame window replaces the --from/--to byte range.
		start, _ = table.StartDecompressed(lower)
		end, _ = table.StartDecompressed(upper + 1)
	}
	if end < start {
		return fmt.Errorf("--to (%d) precedes --from (%d)", end, start)
	}

	if _, err := r.Seek(int64(start), io.SeekStart); err != nil {
		return fmt.Errorf("seek: %w", err)
	}
	if err := r.SetOffsetLimit(int64(end)); err != nil {
		return fmt.Errorf("set offset limit: %w", err)
	}

	dst := c.output
	if c.stdout {
		dst = "-"
	} else if dst == "" {
		dst = defaultDecompressedName(inputPath)
	}
	out, err := openOutput(dst, c.force)
	if err != nil {
		return fmt.Errorf("open output: %w", err)
	}
	if out != os.Stdout {
		defer out.Close()
	}

	if _, err := io.Copy(out, io.LimitReader(readerOnly{r}, int64(end-start))); err != nil {
		return fmt.Errorf("decompress: %w", err)
	}
	return nil
}

// defaultDecompressedName strips a trailing ".sz" suffix the way `zstd -d`
// strips ".zst"; inputs without that suffix, or read from stdin, decompress
// to stdout instead.
func defaultDecompressedName(input string) string {
	const suffix = ".sz"
	if input == "" || input == "-" || !strings.HasSuffix(input, suffix) {
		return "-"
	}
	return strings.TrimSuffix(input, suffix)
}

// readerOnly narrows seekable.Reader to plain io.Reader, since io.Copy would
// otherwise pick ReaderFrom/WriterTo shortcuts that bypass the offset
// window already established above.
type readerOnly struct {
	r seekable.Reader
}

func (x readerOnly) Read(p []byte) (int, error) { return x.r.Read(p) }

func parseOffset(s string, total uint64) (uint64, error) {
	switch strings.ToLower(s) {
	case "", "start":
		return 0, nil
	case "end":
		return total, nil
	default:
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return 0, err
		}
		return n, nil
	}
}

func runList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	var c commonFlags
	c.register(fs)
	detail := fs.Bool("detail", false, "print per-frame compressed/decompressed size, offsets and an informational XXH64 digest")
	fs.BoolVar(detail, "d", false, "shorthand for --detail")
	from := fs.Int64("from", 0, "first frame index to print")
	to := fs.Int64("to", -1, "last frame index to print (default: last frame)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger := newLogger(c.verbose)
	defer logger.Sync()

	inputPath := fs.Arg(0)
	src, closeSrc, err := openSource(inputPath, c)
	if err != nil {
		return err
	}
	defer closeSrc()

	format, err := c.format()
	if err != nil {
		return err
	}
	table, err := loadTable(src, c, format, logger)
	if err != nil {
		return err
	}

	last := *to
	if last < 0 {
		last = table.NumFrames() - 1
	}

	fmt.Printf("frames: %d  compressed: %d  decompressed: %d\n",
		table.NumFrames(), table.SizeCompressed(), table.SizeDecompressed())
	if !*detail {
		return nil
	}

	dec := seekable.NewDecoder(table)
	fmt.Printf("%-8s %12s %12s %14s %14s %s\n", "frame", "comp.size", "decomp.size", "comp.offset", "decomp.offset", "xxh64")
	for i := *from; i <= last; i++ {
		e, ok := dec.GetIndexByID(i)
		if !ok {
			continue
		}
		digest, err := frameDigest(src, e)
		if err != nil {
			return fmt.Errorf("digest frame %d: %w", i, err)
		}
		fmt.Printf("%-8d %12d %12d %14d %14d %016x\n",
			i, e.CompSize, e.DecompSize, e.CompOffset, e.DecompOffset, digest)
	}
	return nil
}

func frameDigest(src source.Source, e seekable.FrameOffsetEntry) (uint64, error) {
	compressed := make([]byte, e.CompSize)
	if _, err := src.ReadAt(compressed, int64(e.CompOffset)); err != nil {
		return 0, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return 0, err
	}
	defer dec.Close()
	decompressed, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return 0, err
	}
	return xxhash.Sum64(decompressed), nil
}

// openSource opens the archive as the source.Source the table parser and
// reader need. A --seek-table-file side file is opened by loadTable, not
// here.
func openSource(path string, c commonFlags) (source.Source, func(), error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open input: %w", err)
	}
	return source.NewFileSource(f), func() { f.Close() }, nil
}

func loadTable(src source.Source, c commonFlags, format seekable.Format, logger *zap.Logger) (*seekable.SeekTable, error) {
	if c.seekTableFile == "" {
		return seekable.Parse(src, format, seekable.WithTableLogger(logger))
	}

	tf, err := os.Open(c.seekTableFile)
	if err != nil {
		return nil, fmt.Errorf("open seek table file: %w", err)
	}
	defer tf.Close()
	return seekable.Parse(source.NewFileSource(tf), format, seekable.WithTableLogger(logger))
}
