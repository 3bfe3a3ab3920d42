package ui

import (
	"fmt"
	"io"
	"time"

	"github.com/briandowns/spinner"
)

// StepSpinner animates sequential startup steps. On a TTY each step
// gets a braille spinner; in plain mode it prints static lines so
// piped and CI output stays clean.
type StepSpinner struct {
	w     io.Writer
	s     *spinner.Spinner
	msg   string
	plain bool
}

// NewStepSpinner creates a spinner writing to w. Pass plain=true off-TTY.
func NewStepSpinner(w io.Writer, plain bool) *StepSpinner {
	return &StepSpinner{w: w, plain: plain}
}

// Start begins a named step.
func (ss *StepSpinner) Start(msg string) {
	ss.msg = msg
	if ss.plain {
		fmt.Fprintf(ss.w, "  %s", msg)
		return
	}
	ss.s = spinner.New(
		spinner.CharSets[14], // braille dots
		80*time.Millisecond,
		spinner.WithWriter(ss.w),
	)
	ss.s.Prefix = "  "
	ss.s.Suffix = " " + msg
	ss.s.Start()
}

// Done closes the current step with a green check.
func (ss *StepSpinner) Done() {
	ss.finish(StyleSuccess.Render(SymbolCheck))
}

// Fail closes the current step with a red cross.
func (ss *StepSpinner) Fail() {
	ss.finish(StyleError.Render(SymbolCross))
}

func (ss *StepSpinner) finish(mark string) {
	if ss.plain {
		fmt.Fprintf(ss.w, " %s\n", mark)
		return
	}
	if ss.s != nil {
		ss.s.Stop()
		ss.s = nil
	}
	fmt.Fprintf(ss.w, "\r  %s %s\n", ss.msg, mark)
}
