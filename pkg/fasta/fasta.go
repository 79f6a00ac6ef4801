// Package fasta parses, validates, and windows FASTA sequence data.
package fasta

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/genomeops/amr-service/internal/domain"
)

// Record is one parsed sequence: header verbatim (without the leading
// '>') and bases with all whitespace stripped.
type Record struct {
	Header string
	Bases  string
}

// Parse reads FASTA records from r. Bases are validated against the
// alphabet {A,C,G,T,N} case-insensitively; any other character fails
// with ErrInvalidInput naming the offending character.
func Parse(r io.Reader) ([]Record, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var recs []Record
	var header string
	var bases strings.Builder
	seen := false

	flush := func() error {
		if !seen {
			return nil
		}
		if bases.Len() == 0 {
			return fmt.Errorf("%w: empty sequence for header %q", domain.ErrInvalidInput, header)
		}
		recs = append(recs, Record{Header: header, Bases: bases.String()})
		bases.Reset()
		return nil
	}

	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, ">") {
			if err := flush(); err != nil {
				return nil, err
			}
			header = strings.TrimPrefix(line, ">")
			seen = true
			continue
		}
		if !seen {
			return nil, fmt.Errorf("%w: sequence data before first header", domain.ErrInvalidInput)
		}
		for _, c := range line {
			switch c {
			case 'A', 'C', 'G', 'T', 'N', 'a', 'c', 'g', 't', 'n':
			default:
				return nil, fmt.Errorf("%w: invalid character %q in sequence %q", domain.ErrInvalidInput, c, header)
			}
		}
		bases.WriteString(line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("op=fasta.parse: %w", err)
	}
	if err := flush(); err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("%w: no sequences found", domain.ErrInvalidInput)
	}
	return recs, nil
}

// Write re-serializes records, wrapping bases at 80 columns.
func Write(w io.Writer, recs []Record) error {
	bw := bufio.NewWriter(w)
	for _, rec := range recs {
		if _, err := fmt.Fprintf(bw, ">%s\n", rec.Header); err != nil {
			return err
		}
		for i := 0; i < len(rec.Bases); i += 80 {
			end := i + 80
			if end > len(rec.Bases) {
				end = len(rec.Bases)
			}
			if _, err := fmt.Fprintln(bw, rec.Bases[i:end]); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}

// Segment splits rec into overlapping windows of exactly length bases,
// stepping by length-overlap. The tail window may be shorter; tails
// below max(1, length-overlap) are dropped. Window ids follow
// {header}_segment_{i}_{start}_{end} with 1-based inclusive-exclusive
// coordinates. length == 0 disables splitting and yields one window.
func Segment(rec Record, length, overlap int) []domain.Segment {
	if length <= 0 {
		return []domain.Segment{{
			ID:     fmt.Sprintf("%s_segment_0_1_%d", rec.Header, len(rec.Bases)+1),
			Header: rec.Header,
			Bases:  rec.Bases,
			Start:  1,
			End:    len(rec.Bases) + 1,
		}}
	}
	step := length - overlap
	minTail := step
	if minTail < 1 {
		minTail = 1
	}
	var out []domain.Segment
	for i, pos := 0, 0; pos < len(rec.Bases); i, pos = i+1, pos+step {
		end := pos + length
		if end > len(rec.Bases) {
			end = len(rec.Bases)
		}
		if end-pos < minTail && pos > 0 {
			break
		}
		out = append(out, domain.Segment{
			ID:     fmt.Sprintf("%s_segment_%d_%d_%d", rec.Header, i, pos+1, end+1),
			Header: rec.Header,
			Bases:  rec.Bases[pos:end],
			Start:  pos + 1,
			End:    end + 1,
		})
		if end == len(rec.Bases) {
			break
		}
	}
	return out
}
