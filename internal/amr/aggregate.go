// Package amr runs prediction jobs: segmentation, batched model calls,
// result emission, and sequence-level aggregation.
package amr

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/genomeops/amr-service/internal/domain"
)

const (
	labelResistant   = "Resistant"
	labelSusceptible = "Susceptible"
)

// SequenceAggregate is the per-header summary row of an aggregated
// result file. The three classifications are computed independently.
type SequenceAggregate struct {
	Header         string
	Segments       int
	MinStart       int
	MaxEnd         int
	AboveThreshold int
	AnyResistance  string
	MajorityVote   string
	AvgClass       string
	AvgResistant   float64
	AvgSusceptible float64
}

// Aggregate folds segment predictions into one summary per header.
// Output order follows first appearance of each header in preds.
func Aggregate(preds []domain.SegmentPrediction, threshold float64) []SequenceAggregate {
	order := make([]string, 0, 8)
	byHeader := map[string][]domain.SegmentPrediction{}
	for _, p := range preds {
		if _, seen := byHeader[p.SequenceID]; !seen {
			order = append(order, p.SequenceID)
		}
		byHeader[p.SequenceID] = append(byHeader[p.SequenceID], p)
	}

	out := make([]SequenceAggregate, 0, len(order))
	for _, h := range order {
		ps := byHeader[h]
		agg := SequenceAggregate{Header: h, Segments: len(ps), MinStart: ps[0].Start, MaxEnd: ps[0].End}
		var sumR, sumS float64
		for _, p := range ps {
			if p.Start < agg.MinStart {
				agg.MinStart = p.Start
			}
			if p.End > agg.MaxEnd {
				agg.MaxEnd = p.End
			}
			if p.Resistant > threshold {
				agg.AboveThreshold++
			}
			sumR += p.Resistant
			sumS += p.Susceptible
		}
		agg.AvgResistant = sumR / float64(len(ps))
		agg.AvgSusceptible = sumS / float64(len(ps))
		agg.AnyResistance = classify(agg.AboveThreshold > 0)
		agg.MajorityVote = classify(agg.AboveThreshold*2 > len(ps))
		agg.AvgClass = classify(agg.AvgResistant > threshold)
		out = append(out, agg)
	}
	return out
}

func classify(resistant bool) string {
	if resistant {
		return labelResistant
	}
	return labelSusceptible
}

const segmentHeader = "Sequence_ID\tStart\tEnd\tResistant\tSusceptible"

// WriteSegmentHeader emits the column header of a per-segment file.
func WriteSegmentHeader(w io.Writer) error {
	_, err := fmt.Fprintln(w, segmentHeader)
	return err
}

// WriteSegmentRows appends one row per prediction.
func WriteSegmentRows(w io.Writer, preds []domain.SegmentPrediction) error {
	for _, p := range preds {
		if _, err := fmt.Fprintf(w, "%s\t%d\t%d\t%.6f\t%.6f\n",
			p.SequenceID, p.Start, p.End, p.Resistant, p.Susceptible); err != nil {
			return err
		}
	}
	return nil
}

// WriteAggregated emits the aggregated result file.
func WriteAggregated(w io.Writer, aggs []SequenceAggregate) error {
	if _, err := fmt.Fprintln(w, "Sequence_ID\tSegments\tMin_Start\tMax_End\t"+
		"Any_Resistance\tMajority_Vote\tAvg_Classification\t"+
		"Windows_Above_Threshold\tAvg_Resistant_Prob\tAvg_Susceptible_Prob"); err != nil {
		return err
	}
	for _, a := range aggs {
		if _, err := fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%s\t%s\t%s\t%d\t%.6f\t%.6f\n",
			a.Header, a.Segments, a.MinStart, a.MaxEnd,
			a.AnyResistance, a.MajorityVote, a.AvgClass,
			a.AboveThreshold, a.AvgResistant, a.AvgSusceptible); err != nil {
			return err
		}
	}
	return nil
}

// ParseSegmentRows reads a per-segment result file back into predictions.
// Used by aggregate and visualize jobs over previously produced outputs.
func ParseSegmentRows(r io.Reader) ([]domain.SegmentPrediction, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	var out []domain.SegmentPrediction
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimRight(sc.Text(), "\r")
		if text == "" || strings.HasPrefix(text, "Sequence_ID\t") {
			continue
		}
		fields := strings.Split(text, "\t")
		if len(fields) < 5 {
			return nil, fmt.Errorf("%w: line %d: expected 5 columns", domain.ErrInvalidInput, line)
		}
		start, err1 := strconv.Atoi(fields[1])
		end, err2 := strconv.Atoi(fields[2])
		res, err3 := strconv.ParseFloat(fields[3], 64)
		sus, err4 := strconv.ParseFloat(fields[4], 64)
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
			return nil, fmt.Errorf("%w: line %d: malformed row", domain.ErrInvalidInput, line)
		}
		out = append(out, domain.SegmentPrediction{
			SequenceID: fields[0], Start: start, End: end, Resistant: res, Susceptible: sus,
		})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("op=amr.parse_segments: %w", err)
	}
	return out, nil
}

// WriteWIG emits segment resistant probabilities as a wiggle track, one
// variableStep block per sequence.
func WriteWIG(w io.Writer, preds []domain.SegmentPrediction, span int) error {
	if span < 1 {
		span = 1
	}
	if _, err := fmt.Fprintln(w, `track type=wiggle_0 name="amr_resistance"`); err != nil {
		return err
	}
	current := ""
	for _, p := range preds {
		if p.SequenceID != current {
			current = p.SequenceID
			if _, err := fmt.Fprintf(w, "variableStep chrom=%s span=%d\n", current, span); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(w, "%d\t%.6f\n", p.Start, p.Resistant); err != nil {
			return err
		}
	}
	return nil
}
