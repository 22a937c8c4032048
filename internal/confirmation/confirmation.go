// Package confirmation asks the operator to approve destructive commands.
package confirmation

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
)

// ErrInterrupted is returned when the prompt is cancelled by a signal.
var ErrInterrupted = errors.New("confirmation interrupted")

// Request describes the action awaiting approval.
type Request struct {
	Action   string
	Details  [][2]string
	Warnings []string
	// Destructive actions default to "no" and are shown in red.
	Destructive bool
}

// ConfirmationService handles operator confirmation
type ConfirmationService interface {
	Confirm(req Request, autoApprove bool) (bool, error)
	DisplaySummary(req Request)
}

type confirmationService struct {
	reader    *bufio.Reader
	out       io.Writer
	useColors bool
	signals   chan os.Signal
}

// NewConfirmationService creates a service reading from stdin and writing
// to stdout.
func NewConfirmationService(useColors bool) ConfirmationService {
	return NewConfirmationServiceWithIO(os.Stdin, os.Stdout, useColors)
}

// NewConfirmationServiceWithIO creates a service on the given streams.
func NewConfirmationServiceWithIO(in io.Reader, out io.Writer, useColors bool) ConfirmationService {
	return &confirmationService{
		reader:    bufio.NewReader(in),
		out:       out,
		useColors: useColors,
	}
}

func (cs *confirmationService) colorize(text string, attr color.Attribute) string {
	if !cs.useColors {
		return text
	}
	c := color.New(attr)
	c.EnableColor()
	return c.Sprint(text)
}

// DisplaySummary prints what is about to happen.
func (cs *confirmationService) DisplaySummary(req Request) {
	title := req.Action
	if req.Destructive {
		title = cs.colorize(title, color.FgRed)
	}
	fmt.Fprintln(cs.out, title)
	fmt.Fprintln(cs.out, strings.Repeat("-", len(req.Action)))

	width := 0
	for _, kv := range req.Details {
		if len(kv[0]) > width {
			width = len(kv[0])
		}
	}
	for _, kv := range req.Details {
		fmt.Fprintf(cs.out, "  %-*s %s\n", width+1, kv[0]+":", kv[1])
	}

	if len(req.Warnings) > 0 {
		fmt.Fprintln(cs.out)
		for i, w := range req.Warnings {
			fmt.Fprintf(cs.out, "%d. %s\n", i+1, cs.colorize(w, color.FgYellow))
		}
	}
	fmt.Fprintln(cs.out)
}

// Confirm shows the summary and waits for y or n. Invalid answers prompt
// again; end of input counts as no.
func (cs *confirmationService) Confirm(req Request, autoApprove bool) (bool, error) {
	cs.DisplaySummary(req)

	if autoApprove {
		fmt.Fprintln(cs.out, cs.colorize("Auto-approved.", color.FgGreen))
		return true, nil
	}

	interruptChan := cs.signals
	if interruptChan == nil {
		interruptChan = make(chan os.Signal, 1)
		signal.Notify(interruptChan, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(interruptChan)
	}

	for {
		inputChan := make(chan string, 1)
		errorChan := make(chan error, 1)
		go func() {
			input, err := cs.promptForConfirmation(req.Destructive)
			if err != nil {
				errorChan <- err
				return
			}
			inputChan <- input
		}()

		select {
		case <-interruptChan:
			fmt.Fprintln(cs.out, "\n"+cs.colorize("Operation cancelled", color.FgYellow))
			return false, ErrInterrupted
		case err := <-errorChan:
			if errors.Is(err, io.EOF) {
				return false, nil
			}
			return false, fmt.Errorf("failed to read user input: %w", err)
		case input := <-inputChan:
			answer, ok := parseConfirmationInput(input, req.Destructive)
			if ok {
				return answer, nil
			}
			fmt.Fprintf(cs.out, "Invalid input '%s'. Please enter 'y' for yes or 'n' for no.\n", input)
		}
	}
}

func (cs *confirmationService) promptForConfirmation(destructive bool) (string, error) {
	prompt := "Proceed? [Y/n]: "
	if destructive {
		prompt = "Proceed? [y/N]: "
	}
	fmt.Fprint(cs.out, prompt)

	input, err := cs.reader.ReadString('\n')
	if err != nil && (input == "" || !errors.Is(err, io.EOF)) {
		return "", err
	}
	return strings.TrimSpace(input), nil
}

// parseConfirmationInput returns the answer and whether input was valid.
// An empty answer takes the default shown in the prompt.
func parseConfirmationInput(input string, destructive bool) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "y", "yes":
		return true, true
	case "n", "no":
		return false, true
	case "":
		return !destructive, true
	default:
		return false, false
	}
}
