// Package pipeline drives a batch: load mentions, resolve coreference per
// document on a worker pool, link the groups against the registry, and lay
// out the outputs and the run report.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hack-pad/hackpadfs"
	"github.com/kittclouds/kittlink/internal/store"
	"github.com/kittclouds/kittlink/pkg/linker"
	"github.com/kittclouds/kittlink/pkg/mention"
	"github.com/kittclouds/kittlink/pkg/report"
	"github.com/kittclouds/kittlink/pkg/scanner/resolver"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Options controls one run.
type Options struct {
	Command     string // "run" or "coref"
	InputDir    string
	OutputDir   string
	Workers     int           // coreference pool size
	LinkWorkers int           // linking pool size
	Timeout     time.Duration // zero means no limit
}

// Pipeline wires the stages together. Linker and Registry are nil for
// coreference-only runs.
type Pipeline struct {
	fs       hackpadfs.FS
	resolver *resolver.Resolver
	linker   *linker.Linker
	registry store.Registry
	opts     Options
	log      zerolog.Logger
}

// New creates a pipeline over fsys.
func New(fsys hackpadfs.FS, res *resolver.Resolver, lk *linker.Linker, registry store.Registry, opts Options, logger zerolog.Logger) *Pipeline {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.LinkWorkers < 1 {
		opts.LinkWorkers = 1
	}
	if opts.Command == "" {
		opts.Command = "run"
	}
	return &Pipeline{
		fs:       fsys,
		resolver: res,
		linker:   lk,
		registry: registry,
		opts:     opts,
		log:      logger,
	}
}

func (p *Pipeline) linking() bool {
	return p.linker != nil && p.registry != nil
}

// Run processes the input directory. Per-document failures are recorded in
// the summary; the returned error is non-nil only for fatal problems, in
// which case the summary still carries status "failed".
func (p *Pipeline) Run(ctx context.Context) (report.Summary, error) {
	if p.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.Timeout)
		defer cancel()
	}

	runID := uuid.NewString()
	logger := p.log.With().Str("run", runID).Logger()
	reporter := report.New(runID, p.opts.Command, p.linking())
	out := NewWriter(p.fs, p.opts.OutputDir)

	err := p.run(ctx, logger, reporter, out)
	if err != nil {
		reporter.RecordFatal(err)
		logger.Error().Err(err).Msg("run aborted")
	}

	summary := reporter.Finish()
	if werr := out.WriteReport(summary, reporter); werr != nil {
		logger.Error().Err(werr).Msg("failed to write run report")
		if err == nil {
			err = werr
		}
	}
	logger.Info().
		Str("status", summary.Status).
		Int("documents", summary.DocumentsProcessed).
		Int("skipped", summary.DocumentsSkipped).
		Int("created", summary.EntitiesCreated).
		Int("matched", summary.EntitiesMatched).
		Int64("elapsed_ms", summary.ElapsedMs).
		Msg("run finished")
	return summary, err
}

func (p *Pipeline) run(ctx context.Context, logger zerolog.Logger, reporter *report.Reporter, out *Writer) error {
	dirs := []string{CorefDir, ReportsDir}
	if p.linking() {
		dirs = append(dirs, LinkedDir)
	}
	if err := out.Prepare(dirs...); err != nil {
		return err
	}

	batch, err := mention.LoadDir(p.fs, p.opts.InputDir)
	if err != nil {
		return err
	}
	for _, inputErr := range batch.Errors {
		logger.Warn().Str("document", inputErr.DocumentID).Msg(inputErr.Error())
		reporter.RecordInputError(inputErr)
	}
	logger.Info().
		Int("files", batch.Files).
		Int("documents", len(batch.Documents)).
		Int("rejected", len(batch.Errors)).
		Msg("input loaded")

	resolutions, err := p.resolveAll(ctx, logger, batch.Documents, reporter, out)
	if err != nil {
		return err
	}
	if !p.linking() {
		return nil
	}

	links, err := p.linkAll(ctx, logger, resolutions, reporter, out)
	if err != nil {
		return err
	}
	if err := out.WriteLinkedEntities(links); err != nil {
		return err
	}
	if err := out.WriteConflicts(links); err != nil {
		return err
	}
	return p.exportRegistry(ctx, reporter, out)
}

// resolveAll runs coreference on a bounded pool. The result is parallel to
// docs; skipped documents leave a nil slot.
func (p *Pipeline) resolveAll(ctx context.Context, logger zerolog.Logger, docs []*mention.Document, reporter *report.Reporter, out *Writer) ([]*resolver.Resolution, error) {
	results := make([]*resolver.Resolution, len(docs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Workers)
	for i, doc := range docs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := p.resolver.Resolve(doc)
			if err != nil {
				var inputErr *mention.InputError
				if errors.As(err, &inputErr) {
					logger.Warn().Str("document", doc.ID).Msg(inputErr.Error())
					reporter.RecordInputError(inputErr)
					return nil
				}
				return fmt.Errorf("document %s: %w", doc.ID, err)
			}
			if err := out.WriteCoref(res); err != nil {
				return err
			}
			reporter.RecordCoref(doc, res.Stats)
			results[i] = res

			logger.Debug().
				Str("document", doc.ID).
				Int("mentions", res.Stats.Mentions).
				Int("groups", res.Stats.Groups).
				Int("unresolved", res.Stats.Unresolved).
				Msg("coreference resolved")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// linkAll links resolved documents in ascending id order. With a single link
// worker ids are assigned reproducibly.
func (p *Pipeline) linkAll(ctx context.Context, logger zerolog.Logger, resolutions []*resolver.Resolution, reporter *report.Reporter, out *Writer) ([]*linker.DocumentLinks, error) {
	results := make([]*linker.DocumentLinks, len(resolutions))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.LinkWorkers)
	for i, res := range resolutions {
		if res == nil {
			continue
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			links, err := p.linker.LinkDocument(gctx, res)
			if err != nil {
				var linkErr *linker.LinkError
				if errors.As(err, &linkErr) {
					logger.Error().Err(linkErr.Err).Str("document", linkErr.DocumentID).Int("group", linkErr.LocalID).Msg("document not linked")
					reporter.RecordLinkError(linkErr)
					return nil
				}
				return err
			}
			if err := out.WriteLinked(res, links); err != nil {
				return err
			}
			reporter.RecordLinks(links)
			results[i] = links
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	linked := make([]*linker.DocumentLinks, 0, len(results))
	for _, l := range results {
		if l != nil {
			linked = append(linked, l)
		}
	}
	return linked, nil
}

func (p *Pipeline) exportRegistry(ctx context.Context, reporter *report.Reporter, out *Writer) error {
	entities, err := p.registry.ListEntities(ctx)
	if err != nil {
		return fmt.Errorf("failed to list entities: %w", err)
	}
	if err := out.WriteEntities(entities); err != nil {
		return err
	}
	hwm, err := p.registry.HighWaterMark(ctx)
	if err != nil {
		return fmt.Errorf("failed to read high-water mark: %w", err)
	}
	reporter.SetHighWaterMark(hwm)
	return nil
}

// ExportResult describes what Export wrote.
type ExportResult struct {
	Entities int
	Nodes    int
	Edges    int
}

// Export writes the registry's entity table, and optionally its graph
// projection, without processing any input.
func Export(ctx context.Context, registry store.Registry, fsys hackpadfs.FS, dir string, withGraph bool) (ExportResult, error) {
	var res ExportResult
	entities, err := registry.ListEntities(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to list entities: %w", err)
	}
	out := NewWriter(fsys, dir)
	if err := out.WriteEntities(entities); err != nil {
		return res, err
	}
	res.Entities = len(entities)
	if !withGraph {
		return res, nil
	}
	g, err := out.WriteGraph(entities)
	if err != nil {
		return res, err
	}
	res.Nodes = g.NodeCount()
	res.Edges = g.EdgeCount()
	return res, nil
}
