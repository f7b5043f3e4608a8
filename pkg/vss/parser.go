// Package vss reads VSS signal definition files : whitespace
// separated records mapping signal names to numeric ids, one per
// line. The parser reports malformed lines without aborting, an
// import should survive a sloppy hand edited file.
package vss

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/covesa/vsi/pkg/signal"
)

var ErrMalformedLine = errors.New("malformed VSS line")

// A Record is one parsed signal definition.
type Record struct {
	Name    string
	Signal  uint64
	Private uint64
	Line    int
}

// A Diagnostic reports one line that could not be parsed.
type Diagnostic struct {
	Line int
	Text string
	Err  error
}

// A File is the parsed content of one VSS file.
type File struct {
	Version     string
	Records     []Record
	Diagnostics []Diagnostic
}

// Parse reads VSS records from r. Lines starting with '#' are
// comments, the first non comment line holding exactly one token is
// the version string, every other line is either "name id" or
// "name id private_id".
func Parse(r io.Reader) (*File, error) {
	f := &File{}
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		tokens := strings.Fields(line)

		if len(tokens) == 1 && f.Version == "" {
			f.Version = tokens[0]
			continue
		}
		if len(tokens) != 2 && len(tokens) != 3 {
			f.Diagnostics = append(f.Diagnostics, Diagnostic{Line: lineNo, Text: line,
				Err: fmt.Errorf("%w: expected 2 or 3 tokens, got %d", ErrMalformedLine, len(tokens))})
			continue
		}

		rec := Record{Name: tokens[0], Line: lineNo}
		id, err := strconv.ParseUint(tokens[1], 0, 64)
		if err != nil {
			f.Diagnostics = append(f.Diagnostics, Diagnostic{Line: lineNo, Text: line,
				Err: fmt.Errorf("%w: bad signal id %q", ErrMalformedLine, tokens[1])})
			continue
		}
		rec.Signal = id
		if len(tokens) == 3 {
			private, err := strconv.ParseUint(tokens[2], 0, 64)
			if err != nil {
				f.Diagnostics = append(f.Diagnostics, Diagnostic{Line: lineNo, Text: line,
					Err: fmt.Errorf("%w: bad private id %q", ErrMalformedLine, tokens[2])})
				continue
			}
			rec.Private = private
		}
		f.Records = append(f.Records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return f, nil
}

// ParseFile parses the VSS file at path.
func ParseFile(path string) (*File, error) {
	fd, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fd.Close()
	return Parse(fd)
}

// Import defines every parsed record in the store under the given
// domain and returns the number of signals defined. Records the
// store rejects are logged and skipped, allocation failures abort.
func Import(store *signal.Store, f *File, domain uint64, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	defined := 0
	for _, rec := range f.Records {
		err := store.Define(domain, rec.Signal, rec.Private, rec.Name)
		switch {
		case err == nil:
			defined++
		case errors.Is(err, signal.ErrInvalidArgument), errors.Is(err, signal.ErrRedefined):
			logger.Warn("skipping VSS record", "line", rec.Line, "name", rec.Name, "error", err)
		default:
			return defined, err
		}
	}
	for _, diag := range f.Diagnostics {
		logger.Warn("malformed VSS line", "line", diag.Line, "error", diag.Err)
	}
	return defined, nil
}
