package confirmation

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"dbvault/internal/display"
)

// ErrNotInteractive is returned when a question needs an answer but no
// terminal is attached and auto approval is off
var ErrNotInteractive = errors.New("confirmation required but input is not interactive")

// maxAttempts bounds how often an invalid answer is asked again
const maxAttempts = 3

// ConfirmationService asks yes/no questions before irreversible file operations
type ConfirmationService interface {
	Confirm(question string, autoApprove bool) (bool, error)
}

type confirmationService struct {
	reader      *bufio.Reader
	writer      io.Writer
	colors      display.ColorSystem
	interactive bool
}

// NewConfirmationService creates a service reading answers from r. When
// interactive is false every question fails with ErrNotInteractive unless
// auto approved.
func NewConfirmationService(r io.Reader, w io.Writer, interactive, useColors bool) ConfirmationService {
	return &confirmationService{
		reader:      bufio.NewReader(r),
		writer:      w,
		colors:      display.NewColorSystem(display.DarkColorTheme(), useColors),
		interactive: interactive,
	}
}

// Confirm asks question and defaults to no
func (cs *confirmationService) Confirm(question string, autoApprove bool) (bool, error) {
	if autoApprove {
		return true, nil
	}
	if !cs.interactive {
		return false, ErrNotInteractive
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		input, err := cs.prompt(question)
		if err != nil {
			return false, err
		}
		if answer, ok := parseAnswer(input); ok {
			return answer, nil
		}
		fmt.Fprintf(cs.writer, "Invalid input '%s'. Please enter 'y' for yes or 'n' for no.\n", input)
	}
	return false, nil
}

func (cs *confirmationService) prompt(question string) (string, error) {
	fmt.Fprint(cs.writer, cs.colors.Sprint(cs.colors.Theme().Highlight, question+" [y/N]: "))

	// EOF answers with whatever was typed, which defaults to no
	input, err := cs.reader.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return strings.TrimSpace(input), nil
}

// parseAnswer reports the answer and whether input was understood
func parseAnswer(input string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "y", "yes":
		return true, true
	case "n", "no", "":
		return false, true
	default:
		return false, false
	}
}
