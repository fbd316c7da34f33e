package partition

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

const (
	readBufferSize  = 256 * 1024
	writeBufferSize = 256 * 1024

	// Cancellation is polled every ctxCheckInterval rows.
	ctxCheckInterval = 4096
)

// Stats counts the rows seen by one filter run.
type Stats struct {
	Total   int64 // rows examined
	Written int64 // rows kept
}

// Report prints the run summary. The "writen" spelling is part of the output
// format that downstream scripts match on.
func (s Stats) Report(w io.Writer) error {
	_, err := fmt.Fprintf(w, "total: %d\nwriten: %d\n", s.Total, s.Written)
	return err
}

// RowError reports the row a dataset pass stopped at.
type RowError struct {
	Line int64 // 1-based
	Err  error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("row %d: %v", e.Line, e.Err)
}

func (e *RowError) Unwrap() error {
	return e.Err
}

// Filter keeps the rows of a dataset that belong to one partition.
type Filter struct {
	scheme Scheme
	logger *zap.Logger
}

// NewFilter creates a filter for the given scheme. A nil logger discards logs.
func NewFilter(scheme Scheme, logger *zap.Logger) *Filter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Filter{
		scheme: scheme,
		logger: logger,
	}
}

// Scheme returns the derivation the filter applies.
func (f *Filter) Scheme() Scheme {
	return f.scheme
}

// Run copies every line of r whose partition equals k to w, verbatim and in
// order. It stops at the first row whose job identifier cannot be parsed.
func (f *Filter) Run(ctx context.Context, r io.Reader, w io.Writer, k int64) (Stats, error) {
	var stats Stats
	reader := bufio.NewReaderSize(r, readBufferSize)

	for {
		if stats.Total%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
		}

		line, readErr := reader.ReadString('\n')
		if len(line) > 0 {
			stats.Total++

			part, err := f.scheme.Partition(line)
			if err != nil {
				f.logger.Error("Malformed row", zap.Int64("line", stats.Total), zap.Error(err))
				return stats, &RowError{Line: stats.Total, Err: err}
			}

			if part == k {
				if _, err := io.WriteString(w, line); err != nil {
					return stats, fmt.Errorf("failed to write row %d: %w", stats.Total, err)
				}
				stats.Written++
				if ce := f.logger.Check(zap.DebugLevel, "Kept row"); ce != nil {
					ce.Write(zap.Int64("line", stats.Total))
				}
			}
		}

		if readErr != nil {
			if readErr == io.EOF {
				return stats, nil
			}
			return stats, fmt.Errorf("failed to read row %d: %w", stats.Total+1, readErr)
		}
	}
}

// RunFiles filters inputPath into outputPath. The output is truncated before
// the input is opened, so a failed run still leaves an output file behind.
func (f *Filter) RunFiles(ctx context.Context, inputPath, outputPath string, k int64) (stats Stats, err error) {
	out, err := os.Create(outputPath)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to open output: %w", err)
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close output: %w", cerr)
		}
	}()

	in, err := os.Open(inputPath)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to open input: %w", err)
	}
	defer in.Close()

	fields := []zap.Field{
		zap.String("input", inputPath),
		zap.String("output", outputPath),
		zap.Int64("partition", k),
	}
	if info, statErr := in.Stat(); statErr == nil {
		fields = append(fields, zap.String("size", humanize.Bytes(uint64(info.Size()))))
	}
	f.logger.Info("Filtering dataset", fields...)

	writer := bufio.NewWriterSize(out, writeBufferSize)
	stats, err = f.Run(ctx, in, writer, k)
	// Rows kept before a failure are still flushed.
	if flushErr := writer.Flush(); flushErr != nil && err == nil {
		err = fmt.Errorf("failed to flush output: %w", flushErr)
	}
	if err != nil {
		return stats, err
	}

	f.logger.Info("Filtered dataset",
		zap.String("total", humanize.Comma(stats.Total)),
		zap.String("written", humanize.Comma(stats.Written)))
	return stats, nil
}
