package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/AlecAivazis/survey/v2/terminal"
	"github.com/spf13/cobra"

	"github.com/iishyfishyy/fewshot/internal/classify"
	"github.com/iishyfishyy/fewshot/internal/evaluate"
	"github.com/iishyfishyy/fewshot/internal/groundtruth"
	"github.com/iishyfishyy/fewshot/internal/results"
	"github.com/iishyfishyy/fewshot/internal/ui"
)

var reviewFlags struct {
	run         string
	onlyUnknown bool
	below       float64
}

// evaluationFile is what evaluate writes next to run.json.
type evaluationFile struct {
	GeneratedAt time.Time          `json:"generated_at"`
	Truth       groundtruth.Source `json:"truth_source"`
	Overrides   int                `json:"truth_overrides"`
	Ranking     evaluate.Ranking   `json:"ranking"`
}

func writeEvaluation(path string, truth *groundtruth.Store, ranking evaluate.Ranking) error {
	data, err := json.MarshalIndent(evaluationFile{
		GeneratedAt: time.Now().UTC(),
		Truth:       truth.Source,
		Overrides:   len(truth.Overrides()),
		Ranking:     ranking,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal evaluation: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write evaluation: %w", err)
	}
	return nil
}

func runReview(cmd *cobra.Command, args []string) error {
	draftDir := args[0]
	if info, err := os.Stat(draftDir); err != nil || !info.IsDir() {
		return fmt.Errorf("%s is not a draft directory", draftDir)
	}

	store, err := groundtruth.Load(draftDir)
	if err != nil {
		return err
	}

	preds := map[string]classify.Prediction{}
	if reviewFlags.run != "" {
		if store.Source.Cell == "" {
			return fmt.Errorf("draft %s does not record the cell it was seeded from", draftDir)
		}
		run, err := results.LoadRun(reviewFlags.run)
		if err != nil {
			return err
		}
		cellPreds, ok := run.Predictions(store.Source.Cell)
		if !ok {
			return fmt.Errorf("run %s has no persisted cell %s", run.Info.ID, store.Source.Cell)
		}
		for _, p := range cellPreds {
			preds[p.Ref] = p
		}
	}

	folders, err := groundtruth.Classes(draftDir)
	if err != nil {
		return err
	}
	labels := store.Labels()
	classSet := map[string]bool{}
	for _, c := range folders {
		classSet[c] = true
	}
	for _, l := range labels {
		if l != classify.Unknown {
			classSet[l] = true
		}
	}
	var classes []string
	for c := range classSet {
		classes = append(classes, c)
	}
	sort.Strings(classes)

	var todo []string
	for _, ref := range labels.Refs() {
		if reviewFlags.onlyUnknown && labels[ref] != classify.Unknown {
			continue
		}
		if reviewFlags.below > 0 {
			if p, ok := preds[ref]; ok && p.Score >= reviewFlags.below {
				continue
			}
		}
		todo = append(todo, ref)
	}
	if len(todo) == 0 {
		ui.ShowInfo("Nothing to review.")
		return nil
	}

	ui.ShowSection(fmt.Sprintf("Reviewing %d of %d images in %s", len(todo), len(labels), draftDir))

	changed := 0
	for i, ref := range todo {
		current := labels[ref]
		p, ok := preds[ref]
		if !ok {
			p = classify.Prediction{Ref: ref}
		}
		p.Path = filepath.Join(draftDir, current, ref)

		action, label, err := ui.Relabel(p, current, classes, i+1, len(todo))
		if errors.Is(err, terminal.InterruptErr) {
			action, err = ui.ReviewQuit, nil
		}
		if err != nil {
			return err
		}
		if action == ui.ReviewQuit {
			break
		}
		if action != ui.ReviewRelabel || label == current {
			continue
		}

		if err := groundtruth.Move(draftDir, ref, current, label); err != nil {
			return err
		}
		store.Set(ref, label)
		labels[ref] = label
		changed++
	}

	if err := store.WriteJSON(filepath.Join(draftDir, groundtruth.FileName)); err != nil {
		return err
	}

	fmt.Println()
	ui.ShowSuccess(fmt.Sprintf("%d labels changed, %d overrides recorded in total", changed, len(store.Overrides())))
	if len(preds) > 0 {
		var all []classify.Prediction
		for _, p := range preds {
			all = append(all, p)
		}
		ui.ShowInfo(fmt.Sprintf("%d images now disagree with the seeding cell", len(store.Diff(all))))
	}
	return nil
}
