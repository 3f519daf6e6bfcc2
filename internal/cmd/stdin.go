package cmd

import (
	"io"
	"os"
	"strings"

	"github.com/machinecore/machine/internal/present"
)

func readStdin() string {
	if present.IsInputTTY() {
		return ""
	}
	bts, err := io.ReadAll(os.Stdin)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(bts))
}

func drainStdin() {
	if present.IsInputTTY() {
		return
	}
	_, _ = io.Copy(io.Discard, os.Stdin)
}
