package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"lmperplexity/internal/config"
	"lmperplexity/internal/model/ngram"
	"lmperplexity/internal/service"
	"lmperplexity/internal/service/tokenizer"

	"go.uber.org/zap"
)

// options selects the model and the output of one scoring run
type options struct {
	appConfig string
	model     string
	arpa      string
	boundary  int
	docs      bool
	quiet     bool
	skipOOV   bool
	input     string
}

func main() {
	var opts options
	flag.StringVar(&opts.appConfig, "app", "", "Path to app configuration file")
	flag.StringVar(&opts.model, "model", "", "Configured model to score with, the first one if empty")
	flag.StringVar(&opts.arpa, "arpa", "", "Score with an ARPA file instead of a configured model")
	flag.IntVar(&opts.boundary, "boundary", 0, "Boundary mode for -arpa: -1 omit, 0 none, 1 pad, 2 grow")
	flag.BoolVar(&opts.docs, "docs", false, "Input is timestamp<TAB>sentence<TAB>docid, print one perplexity per document")
	flag.BoolVar(&opts.quiet, "quiet", false, "With -docs print only timestamp, document and perplexity")
	flag.BoolVar(&opts.skipOOV, "skip-oov", false, "With -docs leave out n-grams ending in an unknown word")
	flag.Parse()
	if flag.NArg() > 0 {
		opts.input = flag.Arg(0)
	}

	cfgZap := zap.NewProductionConfig()
	cfgZap.OutputPaths = []string{"stderr"}
	logger, err := cfgZap.Build()
	if err != nil {
		log.Fatal("Failed to initialize logger:", err)
	}
	defer logger.Sync()

	if err := run(context.Background(), opts, os.Stdin, os.Stdout, logger); err != nil {
		logger.Fatal("Scoring failed", zap.Error(err))
	}
}

func run(ctx context.Context, opts options, stdin io.Reader, stdout io.Writer, logger *zap.Logger) error {
	provider, err := loadProvider(ctx, opts, logger)
	if err != nil {
		return err
	}

	in := stdin
	if opts.input != "" && opts.input != "-" {
		f, err := os.Open(opts.input)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	out := bufio.NewWriter(stdout)
	defer out.Flush()

	if opts.docs {
		return provider.NewDocumentScorer(opts.skipOOV).Score(ctx, in, func(s service.DocumentScore) error {
			line := s.String()
			if opts.quiet {
				line = s.Short()
			}
			_, err := fmt.Fprintln(out, line)
			return err
		})
	}

	scorer := provider.NewLineScorer()
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		score, err := scorer.ScoreLine(ctx, scanner.Text())
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintln(out, score.String()); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func loadProvider(ctx context.Context, opts options, logger *zap.Logger) (*service.LMProvider, error) {
	if opts.arpa != "" {
		lm, err := service.LoadARPAFile(opts.arpa)
		if err != nil {
			return nil, err
		}
		boundary, err := ngram.ParseBoundaryMode(opts.boundary)
		if err != nil {
			return nil, err
		}
		return service.NewLMProvider(opts.arpa, lm, tokenizer.NewTextTokenizer(tokenizer.SentenceTagsNone),
			service.WithProviderLogger(logger),
			service.WithBoundaryMode(boundary),
			service.WithModelType(config.ModelTypeARPA),
		)
	}

	if opts.appConfig == "" {
		return nil, errors.New("either -app or -arpa is required")
	}
	cfg, err := config.LoadConfig(opts.appConfig)
	if err != nil {
		return nil, err
	}
	registry, err := service.NewModelRegistry(cfg, logger)
	if err != nil {
		return nil, err
	}
	name := opts.model
	if name == "" {
		if len(cfg.Models) == 0 {
			return nil, errors.New("no models configured")
		}
		name = cfg.Models[0].Name
	}
	return registry.Load(ctx, name)
}
