package linenoise

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/peterh/liner"
)

type LineNoise struct {
	*liner.State
	out io.Writer
}

// New puts the terminal in raw mode; Close restores it.
func New(out io.Writer) *LineNoise {
	ln := &LineNoise{State: liner.NewLiner(), out: out}
	ln.SetCtrlCAborts(true)
	return ln
}

func (ln *LineNoise) HistoryLoad(filepath string) error {
	content, err := os.ReadFile(filepath)
	if err != nil {
		return err
	}
	_, err = ln.ReadHistory(bytes.NewReader(content))
	return err
}

func (ln *LineNoise) HistorySave(filepath string) error {
	var buf bytes.Buffer
	if _, err := ln.WriteHistory(&buf); err != nil {
		return err
	}
	return os.WriteFile(filepath, buf.Bytes(), 0644)
}

func (ln *LineNoise) ClearScreen() error {
	_, err := fmt.Fprint(ln.out, "\x1b[H\x1b[2J")
	return err
}
