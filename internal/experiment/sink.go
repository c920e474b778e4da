package experiment

import (
	"context"
	"time"

	"github.com/iishyfishyy/fewshot/internal/classify"
	"github.com/iishyfishyy/fewshot/internal/prototype"
)

// RunInfo identifies a run and its inputs.
type RunInfo struct {
	ID          string     `json:"id"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Support     string     `json:"support"`
	SupportMode string     `json:"support_mode"`
	Query       string     `json:"query"`
	Grid        Grid       `json:"grid"`
}

// CellResult is everything produced for one persisted cell.
type CellResult struct {
	Cell        Cell
	Predictions []classify.Prediction
	Prototypes  prototype.Set
}

// Sink receives run progress. Persist and Update may be called concurrently.
type Sink interface {
	// Begin is called once with every cell pending.
	Begin(ctx context.Context, info RunInfo, cells []Cell) error

	// Persist stores a cell's predictions. Returning an error fails the cell.
	Persist(ctx context.Context, info RunInfo, result CellResult) error

	// Update records a status change that carries no predictions.
	Update(ctx context.Context, info RunInfo, cell Cell) error

	// Finish is called once at the end, even after cancellation.
	Finish(ctx context.Context, info RunInfo, cells []Cell) error
}
