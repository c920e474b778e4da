package ui

import (
	"fmt"
	"strings"

	"github.com/AlecAivazis/survey/v2"
	"github.com/fatih/color"

	"github.com/iishyfishyy/fewshot/internal/classify"
)

// ReviewAction is what the reviewer chose for one image.
type ReviewAction int

const (
	ReviewKeep ReviewAction = iota
	ReviewRelabel
	ReviewQuit
)

const (
	optionKeep = "Keep current label"
	optionQuit = "Save and quit"
)

// Relabel shows one image with its ranked similarities and asks for its label.
// Classes without a similarity score are offered after the ranked ones. The
// returned label is only meaningful for ReviewRelabel.
func Relabel(p classify.Prediction, current string, classes []string, position, total int) (ReviewAction, string, error) {
	cyan := color.New(color.FgCyan, color.Bold)
	cyan.Printf("\n[%d/%d] %s\n", position, total, p.Ref)
	if p.Path != "" {
		fmt.Printf("  %s\n", p.Path)
	}
	if p.BestClass != "" {
		fmt.Printf("  label: %s   best match: %s (%.3f)\n\n", current, p.BestClass, p.Score)
	} else {
		fmt.Printf("  label: %s\n\n", current)
	}

	options := []string{optionKeep}
	labels := map[string]string{}
	seen := map[string]bool{current: true}
	candidates := append(p.Ranked(), classes...)
	for _, class := range append(candidates, classify.Unknown) {
		if seen[class] {
			continue
		}
		seen[class] = true
		opt := class
		if sim, ok := p.Similarities[class]; ok {
			opt = fmt.Sprintf("%s (%.3f)", class, sim)
		}
		labels[opt] = class
		options = append(options, opt)
	}
	options = append(options, optionQuit)

	var choice string
	prompt := &survey.Select{
		Message:  "Correct label:",
		Options:  options,
		PageSize: min(len(options), 12),
	}
	if err := survey.AskOne(prompt, &choice); err != nil {
		return ReviewQuit, "", err
	}

	switch choice {
	case optionKeep:
		return ReviewKeep, current, nil
	case optionQuit:
		return ReviewQuit, "", nil
	default:
		return ReviewRelabel, labels[choice], nil
	}
}

// SelectCell asks which persisted cell to work with.
func SelectCell(message string, keys []string) (string, error) {
	if len(keys) == 0 {
		return "", fmt.Errorf("no persisted cells to choose from")
	}
	var key string
	prompt := &survey.Select{
		Message: message,
		Options: keys,
		Default: keys[0],
	}
	if err := survey.AskOne(prompt, &key); err != nil {
		return "", err
	}
	return key, nil
}

// PromptYesNo asks a yes/no question
func PromptYesNo(message string, defaultYes bool) (bool, error) {
	var result bool
	prompt := &survey.Confirm{
		Message: message,
		Default: defaultYes,
	}

	if err := survey.AskOne(prompt, &result); err != nil {
		return false, err
	}

	return result, nil
}

// ShowSuccess displays a success message
func ShowSuccess(message string) {
	green := color.New(color.FgGreen, color.Bold)
	green.Printf("✓ %s\n", message)
}

// ShowError displays an error message
func ShowError(message string) {
	red := color.New(color.FgRed, color.Bold)
	red.Printf("✗ %s\n", message)
}

// ShowWarning displays a warning message
func ShowWarning(message string) {
	yellow := color.New(color.FgYellow)
	yellow.Printf("! %s\n", message)
}

// ShowInfo displays an info message
func ShowInfo(message string) {
	blue := color.New(color.FgBlue)
	blue.Println(message)
}

// ShowSection prints a section heading
func ShowSection(title string) {
	cyan := color.New(color.FgCyan, color.Bold)
	cyan.Printf("\n%s\n%s\n", title, strings.Repeat("─", len([]rune(title))))
}
