package service

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"strings"

	"lmperplexity/internal/model/ngram"
	"lmperplexity/internal/service/perplexity"

	"go.uber.org/zap"
)

// DocumentScore is the perplexity of one document together with running extremes
type DocumentScore struct {
	Timestamp  string  `json:"timestamp"`
	DocID      string  `json:"doc_id"`
	Perplexity float64 `json:"perplexity"`
	Max        float64 `json:"max"`
	Min        float64 `json:"min"`
	NGrams     int64   `json:"ngrams"`
	OOVTerms   int64   `json:"oov_terms"`
	OOVNGrams  int64   `json:"oov_ngrams"`
}

// String formats the verbose record
func (s DocumentScore) String() string {
	return fmt.Sprintf("%s\t%s\tPerplexity: %6.3e \tMax: %6.3e \tMin: %6.3e \tngrams: %d \tOov-terms: %d \tOov-ngrams: %d",
		s.Timestamp, s.DocID, s.Perplexity, s.Max, s.Min, s.NGrams, s.OOVTerms, s.OOVNGrams)
}

// Short formats the quiet record
func (s DocumentScore) Short() string {
	return fmt.Sprintf("%s\t%s\t%6.3e", s.Timestamp, s.DocID, s.Perplexity)
}

// DocumentScorer computes document-wise perplexity over records of the form
//
//	timestamp <tab> sentence <tab> document id
//
// where the sentences of one document are consecutive. A document ends when the id changes.
type DocumentScorer struct {
	p       *LMProvider
	skipOOV bool
	max     float64
	min     float64
}

// NewDocumentScorer creates a scorer. With skipOOV, n-grams ending in an unknown word
// are counted but not scored.
func (p *LMProvider) NewDocumentScorer(skipOOV bool) *DocumentScorer {
	return &DocumentScorer{p: p, skipOOV: skipOOV, max: math.Inf(-1), min: math.Inf(1)}
}

type documentState struct {
	docID     string
	timestamp string
	eval      *perplexity.ModelPerplexity
	ngrams    int64
	oovTerms  int64
	oovNGrams int64
}

// Score reads records from r and calls emit once per document
func (ds *DocumentScorer) Score(ctx context.Context, r io.Reader, emit func(DocumentScore) error) error {
	p := ds.p
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	var doc *documentState
	var lineNo int64
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		lineNo++
		if lineNo%5000 == 0 {
			p.logger.Info("Processing line", zap.Int64("line", lineNo))
		}

		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 3 {
			continue
		}

		if doc == nil {
			doc = &documentState{docID: fields[2], timestamp: fields[0], eval: p.NewEvaluator()}
		} else if fields[2] != doc.docID {
			if err := emit(ds.finish(doc)); err != nil {
				return err
			}
			doc = &documentState{docID: fields[2], timestamp: fields[0], eval: doc.eval}
			doc.eval.Reset()
		}

		ngrams, err := p.NGrams(ctx, fields[1])
		if err != nil {
			p.logger.Error("Could not get n-grams from line",
				zap.Int64("line", lineNo), zap.String("text", abbreviate(line, 100)), zap.Error(err))
			continue
		}
		ds.add(doc, ngrams)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read documents: %w", err)
	}

	if doc != nil {
		return emit(ds.finish(doc))
	}
	return nil
}

func (ds *DocumentScorer) add(doc *documentState, ngrams []ngram.NGram) {
	p := ds.p
	for _, ng := range ngrams {
		if len(ng) == 0 {
			continue
		}
		doc.ngrams++

		containsOOV, err := p.ContainsUnknown(ng)
		if err != nil {
			p.logger.Error("Could not add n-gram to perplexity", zap.Stringer("ngram", ng), zap.Error(err))
			continue
		}
		if containsOOV {
			doc.oovNGrams++
			endsWithOOV, err := p.EndsWithUnknown(ng)
			if err != nil {
				p.logger.Error("Could not add n-gram to perplexity", zap.Stringer("ngram", ng), zap.Error(err))
				continue
			}
			if endsWithOOV {
				doc.oovTerms++
				if ds.skipOOV {
					continue
				}
			}
		}

		if _, err := doc.eval.AddLog10Prob(ng); err != nil {
			p.logger.Error("Could not add n-gram to perplexity", zap.Stringer("ngram", ng), zap.Error(err))
		}
	}
}

func (ds *DocumentScorer) finish(doc *documentState) DocumentScore {
	perp := doc.eval.Report()
	if perp > ds.max {
		ds.max = perp
	}
	if perp < ds.min {
		ds.min = perp
	}
	score := DocumentScore{
		Timestamp:  doc.timestamp,
		DocID:      doc.docID,
		Perplexity: perp,
		Max:        ds.max,
		Min:        ds.min,
		NGrams:     doc.ngrams,
		OOVTerms:   doc.oovTerms,
		OOVNGrams:  doc.oovNGrams,
	}
	ds.p.logger.Info("Document perplexity",
		zap.String("doc_id", score.DocID),
		zap.Float64("perplexity", score.Perplexity),
		zap.Int64("ngrams", score.NGrams),
		zap.Int64("oov_terms", score.OOVTerms),
		zap.Int64("oov_ngrams", score.OOVNGrams),
	)
	return score
}
