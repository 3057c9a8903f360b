package service

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"lmperplexity/internal/model/ngram"
	"lmperplexity/internal/service/perplexity"
)

type arpaEntry struct {
	Log10Prob    float64
	Log10Backoff float64
}

// ARPAModel is a backoff language model read from an ARPA file.
// Probabilities stay base-10 as stored in the file. It is read-only after loading.
type ARPAModel struct {
	order   int
	entries map[string]arpaEntry // store key -> entry, all orders
	unigram map[string]bool
	hasUnk  bool
	counts  map[int]int // declared n-gram counts from \data\
}

// LoadARPAFile opens path and reads an ARPA model from it
func LoadARPAFile(path string) (*ARPAModel, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return LoadARPA(f)
}

// LoadARPA reads a language model in ARPA format
func LoadARPA(r io.Reader) (*ARPAModel, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	model := &ARPAModel{
		entries: make(map[string]arpaEntry),
		unigram: make(map[string]bool),
		counts:  make(map[int]int),
	}

	// Skip until \data\ section
	found := false
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) == "\\data\\" {
			found = true
			break
		}
	}
	if !found {
		if err := scanner.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("no \\data\\ section")
	}

	// Parse ngram counts
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "ngram ") {
			parts := strings.SplitN(line[6:], "=", 2)
			if len(parts) != 2 {
				return nil, fmt.Errorf("malformed count line %q", line)
			}
			order, err := strconv.Atoi(strings.TrimSpace(parts[0]))
			if err != nil {
				return nil, fmt.Errorf("malformed count line %q: %w", line, err)
			}
			count, err := strconv.Atoi(strings.TrimSpace(parts[1]))
			if err != nil {
				return nil, fmt.Errorf("malformed count line %q: %w", line, err)
			}
			model.counts[order] = count
			if order > model.order {
				model.order = order
			}
			continue
		}
		break
	}
	if model.order == 0 {
		return nil, fmt.Errorf("no n-gram counts declared")
	}

	// Parse n-gram sections
	for {
		line := strings.TrimSpace(scanner.Text())

		if line == "\\end\\" {
			break
		}

		if strings.HasPrefix(line, "\\") && strings.HasSuffix(line, "-grams:") {
			orderStr := strings.TrimSuffix(strings.TrimPrefix(line, "\\"), "-grams:")
			order, err := strconv.Atoi(orderStr)
			if err != nil || order < 1 || order > model.order {
				return nil, fmt.Errorf("bad section header %q", line)
			}

			sectionDone := false
			for scanner.Scan() {
				entry := strings.TrimSpace(scanner.Text())
				if entry == "" {
					continue
				}
				if strings.HasPrefix(entry, "\\") {
					sectionDone = true
					break
				}
				if err := model.parseNGramLine(order, entry); err != nil {
					return nil, fmt.Errorf("parse n-gram line %q: %w", entry, err)
				}
			}
			if !sectionDone {
				break
			}
			continue
		}

		if !scanner.Scan() {
			break
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}
	model.hasUnk = model.unigram[ngram.UnknownWord]
	return model, nil
}

func (m *ARPAModel) parseNGramLine(order int, line string) error {
	fields := strings.Fields(line)
	if len(fields) < order+1 {
		return fmt.Errorf("too few fields for %d-gram", order)
	}

	logProb, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return fmt.Errorf("parse log prob: %w", err)
	}
	// -99 is the conventional log10(0)
	if logProb <= -99 {
		logProb = math.Inf(-1)
	}

	words := fields[1 : order+1]

	var logBackoff float64
	if len(fields) > order+1 {
		logBackoff, err = strconv.ParseFloat(fields[order+1], 64)
		if err != nil {
			return fmt.Errorf("parse backoff: %w", err)
		}
	}

	m.entries[storeKey(words)] = arpaEntry{Log10Prob: logProb, Log10Backoff: logBackoff}
	if order == 1 {
		m.unigram[words[0]] = true
	}
	return nil
}

// Order returns the highest n-gram order in the file
func (m *ARPAModel) Order() int {
	return m.order
}

// DeclaredCounts returns the n-gram counts listed in the \data\ section
func (m *ARPAModel) DeclaredCounts() map[int]int {
	out := make(map[int]int, len(m.counts))
	for k, v := range m.counts {
		out[k] = v
	}
	return out
}

// LogProbability returns the backed-off log10 p(w_n | w_1 ... w_n-1).
// Unknown tokens are scored as <unk> when the model has it.
func (m *ARPAModel) LogProbability(ng ngram.NGram) (float64, error) {
	if len(ng) > m.order {
		return 0, fmt.Errorf("%w: %q has %d tokens, order is %d", perplexity.ErrNGramTooLong, ng.String(), len(ng), m.order)
	}
	if len(ng) == 0 {
		return math.Inf(-1), nil
	}

	mapped := make([]string, len(ng))
	for i, token := range ng {
		if !m.unigram[token] && m.hasUnk {
			token = ngram.UnknownWord
		}
		mapped[i] = token
	}
	return m.logProb(mapped), nil
}

func (m *ARPAModel) logProb(words []string) float64 {
	if e, ok := m.entries[storeKey(words)]; ok {
		return e.Log10Prob
	}
	if len(words) == 1 {
		return math.Inf(-1)
	}
	// Backoff weight of the history, then the shorter n-gram
	backoff := 0.0
	if e, ok := m.entries[storeKey(words[:len(words)-1])]; ok {
		backoff = e.Log10Backoff
	}
	return backoff + m.logProb(words[1:])
}

// EndsWithUnknown reports whether the last token is missing from the unigrams
func (m *ARPAModel) EndsWithUnknown(ng ngram.NGram) (bool, error) {
	if len(ng) == 0 {
		return false, nil
	}
	return !m.unigram[ng.LastToken()], nil
}

// VocabularySize returns the number of unigrams
func (m *ARPAModel) VocabularySize() int {
	return len(m.unigram)
}

// WriteARPA writes the model's n-grams in ARPA format with log10 probabilities
// and no backoff weights.
func (m *NGramModel) WriteARPA(w io.Writer) error {
	byOrder := make(map[int][]NGramWithCount)
	for _, entry := range m.NGrams() {
		byOrder[len(entry.Tokens)] = append(byOrder[len(entry.Tokens)], entry)
	}

	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw)
	fmt.Fprintln(bw, "\\data\\")
	for order := 1; order <= m.n; order++ {
		fmt.Fprintf(bw, "ngram %d=%d\n", order, len(byOrder[order]))
	}

	for order := 1; order <= m.n; order++ {
		entries := byOrder[order]
		sort.Slice(entries, func(i, j int) bool {
			return storeKey(entries[i].Tokens) < storeKey(entries[j].Tokens)
		})

		fmt.Fprintln(bw)
		fmt.Fprintf(bw, "\\%d-grams:\n", order)
		for _, entry := range entries {
			logProb, err := m.LogProbability(entry.Tokens)
			if err != nil {
				return err
			}
			if math.IsInf(logProb, -1) {
				logProb = -99
			}
			fmt.Fprintf(bw, "%.6f\t%s\n", logProb, strings.Join(entry.Tokens, " "))
		}
	}

	fmt.Fprintln(bw)
	fmt.Fprintln(bw, "\\end\\")
	return bw.Flush()
}
