// Package bakta drives remote annotation jobs end to end: init, upload,
// start, poll, download, parse.
package bakta

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/genomeops/amr-service/internal/domain"
)

const maxLineBytes = 4 << 20

// ParseGFF3 extracts features from a GFF3 result file. Malformed lines
// are skipped; the trailing ##FASTA section is ignored. An entirely
// unparseable file yields an error so the caller can log a warning.
func ParseGFF3(jobID string, r io.Reader) ([]domain.Annotation, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var out []domain.Annotation
	lines := 0
	for sc.Scan() {
		line := sc.Text()
		if line == "##FASTA" {
			break
		}
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines++
		fields := strings.Split(line, "\t")
		if len(fields) != 9 {
			continue
		}
		start, err1 := strconv.Atoi(fields[3])
		end, err2 := strconv.Atoi(fields[4])
		if err1 != nil || err2 != nil || start < 1 || end < start {
			continue
		}
		strand := fields[6]
		if strand != "+" && strand != "-" {
			strand = "."
		}
		attrs := parseGFFAttributes(fields[8])
		id := attrs["ID"]
		if id == "" {
			id = attrs["locus_tag"]
		}
		if id == "" {
			id = fmt.Sprintf("%s:%d-%d:%s", fields[0], start, end, fields[2])
		}
		attrJSON, err := json.Marshal(attrs)
		if err != nil {
			continue
		}
		out = append(out, domain.Annotation{
			JobID:       jobID,
			FeatureID:   id,
			FeatureType: fields[2],
			Contig:      fields[0],
			Start:       start,
			End:         end,
			Strand:      strand,
			Attributes:  string(attrJSON),
		})
	}
	if err := sc.Err(); err != nil {
		return out, fmt.Errorf("op=parse.gff3: %w", err)
	}
	if lines > 0 && len(out) == 0 {
		return nil, fmt.Errorf("op=parse.gff3: no parseable features in %d lines", lines)
	}
	return out, nil
}

func parseGFFAttributes(s string) map[string]string {
	out := map[string]string{}
	for _, kv := range strings.Split(s, ";") {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}

// ParseTSV extracts features from the tabular result file. The expected
// columns are Sequence Id, Type, Start, Stop, Strand, Locus Tag, Gene,
// Product, DbXrefs; comment lines carry the header.
func ParseTSV(jobID string, r io.Reader) ([]domain.Annotation, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var out []domain.Annotation
	lines := 0
	for sc.Scan() {
		line := sc.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines++
		fields := strings.Split(line, "\t")
		if len(fields) < 5 {
			continue
		}
		start, err1 := strconv.Atoi(fields[2])
		end, err2 := strconv.Atoi(fields[3])
		if err1 != nil || err2 != nil || start < 1 || end < start {
			continue
		}
		strand := fields[4]
		if strand != "+" && strand != "-" {
			strand = "."
		}
		attrs := map[string]string{}
		id := ""
		if len(fields) > 5 && fields[5] != "" {
			id = fields[5]
			attrs["locus_tag"] = fields[5]
		}
		if len(fields) > 6 && fields[6] != "" {
			attrs["gene"] = fields[6]
		}
		if len(fields) > 7 && fields[7] != "" {
			attrs["product"] = fields[7]
		}
		if len(fields) > 8 && fields[8] != "" {
			attrs["db_xrefs"] = fields[8]
		}
		if id == "" {
			id = fmt.Sprintf("%s:%d-%d:%s", fields[0], start, end, fields[1])
		}
		attrJSON, err := json.Marshal(attrs)
		if err != nil {
			continue
		}
		out = append(out, domain.Annotation{
			JobID:       jobID,
			FeatureID:   id,
			FeatureType: fields[1],
			Contig:      fields[0],
			Start:       start,
			End:         end,
			Strand:      strand,
			Attributes:  string(attrJSON),
		})
	}
	if err := sc.Err(); err != nil {
		return out, fmt.Errorf("op=parse.tsv: %w", err)
	}
	if lines > 0 && len(out) == 0 {
		return nil, fmt.Errorf("op=parse.tsv: no parseable features in %d lines", lines)
	}
	return out, nil
}

type jsonResult struct {
	Features []jsonFeature `json:"features"`
}

type jsonFeature struct {
	ID       string `json:"id"`
	Locus    string `json:"locus"`
	Type     string `json:"type"`
	Contig   string `json:"contig"`
	Sequence string `json:"sequence"`
	Start    int    `json:"start"`
	Stop     int    `json:"stop"`
	Strand   string `json:"strand"`
	Gene     string `json:"gene"`
	Product  string `json:"product"`
}

// ParseJSON extracts features from the structured result file. Unlike
// the text formats, a JSON decode failure is returned as-is: a corrupt
// primary result means the job failed.
func ParseJSON(jobID string, r io.Reader) ([]domain.Annotation, error) {
	var res jsonResult
	if err := json.NewDecoder(r).Decode(&res); err != nil {
		return nil, fmt.Errorf("op=parse.json: %w: %v", domain.ErrRemotePermanent, err)
	}
	out := make([]domain.Annotation, 0, len(res.Features))
	for _, f := range res.Features {
		if f.Start < 1 || f.Stop < f.Start {
			continue
		}
		contig := f.Contig
		if contig == "" {
			contig = f.Sequence
		}
		strand := f.Strand
		if strand != "+" && strand != "-" {
			strand = "."
		}
		id := f.ID
		if id == "" {
			id = f.Locus
		}
		if id == "" {
			id = fmt.Sprintf("%s:%d-%d:%s", contig, f.Start, f.Stop, f.Type)
		}
		attrs := map[string]string{}
		if f.Locus != "" {
			attrs["locus_tag"] = f.Locus
		}
		if f.Gene != "" {
			attrs["gene"] = f.Gene
		}
		if f.Product != "" {
			attrs["product"] = f.Product
		}
		attrJSON, err := json.Marshal(attrs)
		if err != nil {
			continue
		}
		out = append(out, domain.Annotation{
			JobID:       jobID,
			FeatureID:   id,
			FeatureType: f.Type,
			Contig:      contig,
			Start:       f.Start,
			End:         f.Stop,
			Strand:      strand,
			Attributes:  string(attrJSON),
		})
	}
	return out, nil
}
