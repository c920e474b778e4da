package experiment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/iishyfishyy/fewshot/internal/backbone"
	"github.com/iishyfishyy/fewshot/internal/classify"
	"github.com/iishyfishyy/fewshot/internal/embedcache"
	"github.com/iishyfishyy/fewshot/internal/logging"
	"github.com/iishyfishyy/fewshot/internal/prototype"
	"github.com/iishyfishyy/fewshot/internal/support"
)

// ErrAllBackbonesFailed is returned when no backbone of the grid could be loaded.
var ErrAllBackbonesFailed = errors.New("every backbone failed to load")

const reasonAborted = "aborted before this cell ran"

// Runner executes a grid. Backbones run one after another so only one is
// resident at a time; the threshold cells of a shot tier share prototypes and
// query embeddings and are classified concurrently.
type Runner struct {
	Support     *support.Store
	Queries     []Query
	QueryDir    string
	Models      *backbone.Models
	Embedder    *embedcache.Embedder
	Sink        Sink
	Logger      *slog.Logger
	Concurrency int

	// OnCell, if set, is called after every status change.
	OnCell func(Cell)
}

// Summary lists every requested cell with its final status.
type Summary struct {
	Info  RunInfo
	Cells []Cell
}

// Count returns the number of cells with status s.
func (s *Summary) Count(status Status) int {
	n := 0
	for _, c := range s.Cells {
		if c.Status == status {
			n++
		}
	}
	return n
}

type run struct {
	*Runner
	info  RunInfo
	mu    sync.Mutex
	cells map[Config]*Cell
	order []Config
}

// Run executes every cell of grid. Per-cell failures are recorded on the cell
// and never abort the grid. Cancelling ctx stops the run between cells; cells
// that already persisted stay valid and the rest are left pending.
func (r *Runner) Run(ctx context.Context, grid Grid) (*Summary, error) {
	if err := grid.Validate(); err != nil {
		return nil, err
	}
	if r.Support == nil || len(r.Queries) == 0 {
		return nil, errors.New("runner needs a support set and at least one query")
	}
	if r.Logger == nil {
		r.Logger = logging.Discard()
	}

	rn := &run{
		Runner: r,
		info: RunInfo{
			ID:          uuid.NewString(),
			StartedAt:   time.Now().UTC(),
			Support:     r.Support.Root(),
			SupportMode: string(r.Support.Mode()),
			Query:       r.QueryDir,
			Grid:        grid,
		},
		cells: make(map[Config]*Cell),
	}
	for _, cfg := range grid.Cells() {
		rn.cells[cfg] = &Cell{Config: cfg, Key: cfg.Key(), Status: StatusPending}
		rn.order = append(rn.order, cfg)
	}

	if err := r.Sink.Begin(ctx, rn.info, rn.snapshot()); err != nil {
		return nil, fmt.Errorf("failed to start run: %w", err)
	}
	r.Logger.Info("run started", "run", rn.info.ID, "cells", len(rn.order), "queries", len(r.Queries))

	loaded := 0
	for _, id := range uniqueBackbones(grid.Backbones) {
		if ctx.Err() != nil {
			break
		}
		if rn.runBackbone(ctx, id, grid) {
			loaded++
		}
	}

	finished := time.Now().UTC()
	rn.info.FinishedAt = &finished
	for _, cfg := range rn.order {
		if c := rn.cells[cfg]; !c.Status.Terminal() {
			c.Status, c.Reason = StatusPending, reasonAborted
		}
	}
	summary := &Summary{Info: rn.info, Cells: rn.snapshot()}

	if err := r.Sink.Finish(context.WithoutCancel(ctx), rn.info, summary.Cells); err != nil {
		r.Logger.Error("failed to finalise run", logging.Err(err))
	}
	r.Logger.Info("run finished", "run", rn.info.ID,
		"persisted", summary.Count(StatusPersisted), "failed", summary.Count(StatusFailed),
		"pending", summary.Count(StatusPending))

	switch {
	case ctx.Err() != nil:
		return summary, fmt.Errorf("run aborted: %w", ctx.Err())
	case loaded == 0:
		return summary, ErrAllBackbonesFailed
	}
	return summary, nil
}

// runBackbone executes every cell of one backbone and reports whether the
// backbone loaded.
func (rn *run) runBackbone(ctx context.Context, id backbone.ID, grid Grid) bool {
	log := rn.Logger.With("backbone", id)

	ext, err := rn.Models.Acquire(ctx, id)
	if err != nil {
		log.Error("backbone unavailable", logging.Err(err))
		rn.failWhere(ctx, func(c Config) bool { return c.Backbone == id }, err)
		return false
	}
	defer func() {
		if err := rn.Models.Evict(id); err != nil {
			log.Warn("failed to release backbone", logging.Err(err))
		}
	}()

	rn.transitionWhere(ctx, func(c Config) bool { return c.Backbone == id }, StatusEmbedding)

	items := make([]embedcache.Item, len(rn.Queries))
	for i, q := range rn.Queries {
		items[i] = embedcache.Item{Ref: q.Ref, Path: q.Path}
	}
	queryVecs, err := rn.Embedder.Vectors(ctx, ext, items)
	if err != nil {
		if ctx.Err() != nil {
			return true
		}
		log.Error("failed to embed query set", logging.Err(err))
		rn.failWhere(ctx, func(c Config) bool { return c.Backbone == id }, err)
		return true
	}

	builder := prototype.Builder{Vectors: rn.Embedder}
	for _, shots := range uniqueInts(grid.Shots) {
		if ctx.Err() != nil {
			return true
		}
		inTier := func(c Config) bool { return c.Backbone == id && c.Shots == shots }

		protos, err := builder.Build(ctx, rn.Support, ext, shots)
		if err != nil {
			if ctx.Err() != nil {
				return true
			}
			log.Warn("shot tier unavailable", "shots", shots, "error", err)
			rn.failWhere(ctx, inTier, err)
			continue
		}
		log.Debug("prototypes built", "shots", shots, "classes", len(protos))

		rn.transitionWhere(ctx, inTier, StatusClassifying)
		rn.classifyTier(ctx, protos, queryVecs, id, shots, grid.Thresholds)
	}
	return true
}

func (rn *run) classifyTier(ctx context.Context, protos prototype.Set, queryVecs [][]float32, id backbone.ID, shots int, thresholds []float64) {
	g := new(errgroup.Group)
	g.SetLimit(max(rn.Concurrency, 1))

	for _, thr := range uniqueFloats(thresholds) {
		thr := thr
		cfg := Config{Backbone: id, Shots: shots, Threshold: thr}
		g.Go(func() error {
			// abort point between cells
			if ctx.Err() != nil {
				return nil
			}
			preds := make([]classify.Prediction, len(rn.Queries))
			for i, q := range rn.Queries {
				preds[i] = classify.Classify(q.Ref, queryVecs[i], protos, thr)
				preds[i].Path = q.Path
			}
			rn.persist(ctx, cfg, preds, protos)
			return nil
		})
	}
	g.Wait()
}

func (rn *run) persist(ctx context.Context, cfg Config, preds []classify.Prediction, protos prototype.Set) {
	rn.mu.Lock()
	cell := *rn.cells[cfg]
	rn.mu.Unlock()

	cell.Status, cell.Reason, cell.Predictions = StatusPersisted, "", len(preds)
	// a classified cell is written out even if the run is aborted meanwhile
	err := rn.Sink.Persist(context.WithoutCancel(ctx), rn.info, CellResult{Cell: cell, Predictions: preds, Prototypes: protos})
	if err != nil {
		rn.Logger.Error("failed to persist cell", "cell", cfg.Key(), logging.Err(err))
		rn.fail(ctx, cfg, err)
		return
	}

	rn.mu.Lock()
	*rn.cells[cfg] = cell
	rn.mu.Unlock()
	rn.Logger.Debug("cell persisted", "cell", cfg.Key(), "predictions", len(preds))
	rn.notify(cell)
}

func (rn *run) fail(ctx context.Context, cfg Config, cause error) {
	rn.mu.Lock()
	c := rn.cells[cfg]
	c.Status, c.Reason, c.Predictions = StatusFailed, cause.Error(), 0
	cell := *c
	rn.mu.Unlock()

	if err := rn.Sink.Update(context.WithoutCancel(ctx), rn.info, cell); err != nil {
		rn.Logger.Warn("failed to record cell status", "cell", cfg.Key(), logging.Err(err))
	}
	rn.notify(cell)
}

func (rn *run) failWhere(ctx context.Context, match func(Config) bool, cause error) {
	for _, cfg := range rn.order {
		if match(cfg) {
			rn.fail(ctx, cfg, cause)
		}
	}
}

func (rn *run) transitionWhere(ctx context.Context, match func(Config) bool, status Status) {
	for _, cfg := range rn.order {
		if !match(cfg) {
			continue
		}
		rn.mu.Lock()
		c := rn.cells[cfg]
		if c.Status.Terminal() {
			rn.mu.Unlock()
			continue
		}
		c.Status = status
		cell := *c
		rn.mu.Unlock()

		if err := rn.Sink.Update(ctx, rn.info, cell); err != nil {
			rn.Logger.Warn("failed to record cell status", "cell", cfg.Key(), logging.Err(err))
		}
		rn.notify(cell)
	}
}

func (rn *run) notify(c Cell) {
	if rn.OnCell != nil {
		rn.OnCell(c)
	}
}

func (rn *run) snapshot() []Cell {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	out := make([]Cell, len(rn.order))
	for i, cfg := range rn.order {
		out[i] = *rn.cells[cfg]
	}
	return out
}

func uniqueBackbones(ids []backbone.ID) []backbone.ID {
	seen := make(map[backbone.ID]bool)
	var out []backbone.ID
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func uniqueInts(ns []int) []int {
	seen := make(map[int]bool)
	var out []int
	for _, n := range ns {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}

func uniqueFloats(fs []float64) []float64 {
	seen := make(map[float64]bool)
	var out []float64
	for _, f := range fs {
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	return out
}
