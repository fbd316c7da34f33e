// Package partition selects rows of a batch dataset by the partition their
// job identifier falls into.
//
// A job identifier looks like "j_250300": a fixed-length prefix followed by
// a decimal suffix. The prefix is skipped whatever it contains. The partition
// number is the suffix divided by the scheme width, so with the default width
// of 100000 the id "j_250300" lands in partition 2.
package partition

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Default derivation constants for batch_instance datasets.
const (
	DefaultJobField  = 2
	DefaultPrefixLen = 2
	DefaultWidth     = 100000
)

var (
	// ErrMissingField is returned when a row has fewer fields than the job column requires.
	ErrMissingField = errors.New("missing job field")
	// ErrMalformedJobID is returned when a job identifier is not <prefix><digits>.
	ErrMalformedJobID = errors.New("malformed job identifier")
)

// Scheme describes how a row maps to a partition number.
type Scheme struct {
	JobField  int   // zero-based comma-delimited column holding the job id
	PrefixLen int   // number of leading runes skipped before the numeric suffix
	Width     int64 // job ids per partition
}

// DefaultScheme returns the scheme used by the batch_instance datasets.
func DefaultScheme() Scheme {
	return Scheme{
		JobField:  DefaultJobField,
		PrefixLen: DefaultPrefixLen,
		Width:     DefaultWidth,
	}
}

// JobID returns the job column of a raw line.
func (s Scheme) JobID(line string) (string, error) {
	fields := strings.Split(line, ",")
	if s.JobField < 0 || s.JobField >= len(fields) {
		return "", fmt.Errorf("%w: want column %d, row has %d", ErrMissingField, s.JobField, len(fields))
	}
	return fields[s.JobField], nil
}

// PartitionOf derives the partition number of a job identifier.
func (s Scheme) PartitionOf(job string) (int64, error) {
	if s.Width <= 0 {
		return 0, fmt.Errorf("invalid partition width %d", s.Width)
	}

	rest := job
	for i := 0; i < s.PrefixLen; i++ {
		_, size := utf8.DecodeRuneInString(rest)
		if size == 0 {
			return 0, fmt.Errorf("%w: %q is shorter than its %d-rune prefix", ErrMalformedJobID, job, s.PrefixLen)
		}
		rest = rest[size:]
	}

	// The job column may be last on the line, so it can carry the newline.
	suffix := strings.TrimSpace(rest)
	if suffix == "" || strings.IndexFunc(suffix, isNotDigit) >= 0 {
		return 0, fmt.Errorf("%w: %q has no numeric suffix", ErrMalformedJobID, job)
	}

	n, err := strconv.ParseInt(suffix, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrMalformedJobID, job, err)
	}
	return n / s.Width, nil
}

// Partition derives the partition number of a raw line.
func (s Scheme) Partition(line string) (int64, error) {
	job, err := s.JobID(line)
	if err != nil {
		return 0, err
	}
	return s.PartitionOf(job)
}

func isNotDigit(r rune) bool {
	return r < '0' || r > '9'
}
