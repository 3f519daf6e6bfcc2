package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/machinecore/machine/internal/errs"
	"github.com/machinecore/machine/internal/present"
)

type flagParseError struct {
	err error
}

func newFlagParseError(err error) flagParseError {
	return flagParseError{err: err}
}

func (e flagParseError) Error() string {
	return e.err.Error()
}

func handleError(err error) {
	// exhaust stdin so a broken pipe upstream does not mask the error
	if !present.IsInputTTY() {
		_, _ = io.ReadAll(os.Stdin)
	}

	styles := present.StderrStyles()
	format := "\n%s\n\n"

	var ferr flagParseError
	if errors.As(err, &ferr) {
		fmt.Fprintf(os.Stderr, format+"%s\n\n",
			fmt.Sprintf(
				"Check out %s %s",
				styles.InlineCode.Render("machine -h"),
				styles.Comment.Render("for help."),
			),
			styles.ErrorDetails.Render(ferr.Error()),
		)
		return
	}

	var merr errs.Error
	if errors.As(err, &merr) {
		formatArgs := []any{styles.ErrorHeader.String() + " " + merr.Reason}
		if merr.Err != nil {
			format += "%s\n\n"
			formatArgs = append(formatArgs, styles.ErrorDetails.Render(err.Error()))
		}
		fmt.Fprintf(os.Stderr, format, formatArgs...)
		return
	}

	fmt.Fprintf(os.Stderr, format, styles.ErrorDetails.Render(err.Error()))
}
