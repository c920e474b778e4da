package ui

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"golang.org/x/term"

	"github.com/iishyfishyy/fewshot/internal/classify"
	"github.com/iishyfishyy/fewshot/internal/evaluate"
	"github.com/iishyfishyy/fewshot/internal/experiment"
)

// ConfigureColor turns colour off unless f is a terminal.
func ConfigureColor(f *os.File) {
	if !term.IsTerminal(int(f.Fd())) {
		color.NoColor = true
	}
}

// Interactive reports whether prompts can be shown on stdin.
func Interactive() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// CellTable prints the status of every grid cell.
func CellTable(w io.Writer, cells []experiment.Cell) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "BACKBONE\tSHOTS\tTHRESHOLD\tSTATUS\tPREDICTIONS\tREASON")
	for _, c := range cells {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%d\t%s\n",
			c.Config.Backbone, c.Config.Shots, experiment.FormatThreshold(c.Config.Threshold),
			c.Status, c.Predictions, oneLine(c.Reason))
	}
	return tw.Flush()
}

// RankingTable prints the top of a ranking with the primary metric first.
func RankingTable(w io.Writer, r evaluate.Ranking) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "#\tBACKBONE\tSHOTS\tTHRESHOLD\t%s\tACCURACY\tBAL_ACC\tMACRO_F1\tMCC\tUNKNOWN\tEXCLUDED\n",
		strings.ToUpper(string(r.Primary)))
	for i, rep := range r.Top() {
		marker := ""
		if i == 0 {
			marker = "*"
		}
		fmt.Fprintf(tw, "%d%s\t%s\t%d\t%s\t%.4f\t%.4f\t%.4f\t%.4f\t%.4f\t%d\t%d\n",
			i+1, marker, rep.Config.Backbone, rep.Config.Shots, experiment.FormatThreshold(rep.Config.Threshold),
			r.Primary.Of(rep), rep.Accuracy, rep.BalancedAccuracy, rep.MacroF1, rep.MCC, rep.Unknown, rep.Excluded)
	}
	return tw.Flush()
}

// ConfusionTable prints a report's confusion matrix, ground truth down the
// side and predictions across the top, followed by per-class scores.
func ConfusionTable(w io.Writer, rep evaluate.Report) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintf(tw, "truth \\ predicted\t%s\t\n", strings.Join(rep.Labels, "\t"))
	for i, row := range rep.Confusion {
		cols := make([]string, len(row))
		for j, n := range row {
			cols[j] = fmt.Sprint(n)
		}
		fmt.Fprintf(tw, "%s\t%s\t\n", rep.Labels[i], strings.Join(cols, "\t"))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CLASS\tSUPPORT\tPRECISION\tRECALL\tF1\tTP\tFP\tFN\tTN")
	for _, pc := range rep.PerClass {
		fmt.Fprintf(tw, "%s\t%d\t%.4f\t%.4f\t%.4f\t%d\t%d\t%d\t%d\n",
			pc.Label, pc.Support, pc.Precision, pc.Recall, pc.F1,
			pc.Binary.TP, pc.Binary.FP, pc.Binary.FN, pc.Binary.TN)
	}
	return tw.Flush()
}

// PredictionTable prints one line per query image.
func PredictionTable(w io.Writer, preds []classify.Prediction) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "REF\tLABEL\tBEST MATCH\tSCORE")
	for _, p := range preds {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.4f\n", p.Ref, p.Label, p.BestClass, p.Score)
	}
	return tw.Flush()
}

func oneLine(s string) string {
	s = strings.ReplaceAll(s, "\n", "; ")
	if r := []rune(s); len(r) > 80 {
		return string(r[:77]) + "..."
	}
	return s
}
