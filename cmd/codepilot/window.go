package main

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// consoleWindow stands in for a native window when the shell runs from a
// terminal: Load prints the URL to open and Quit ends the run.
type consoleWindow struct {
	stdout, stderr io.Writer
	log            *slog.Logger

	mu     sync.Mutex
	open   int
	quit   chan struct{}
	closed bool
}

func newConsoleWindow(stdout, stderr io.Writer, log *slog.Logger) *consoleWindow {
	return &consoleWindow{stdout: stdout, stderr: stderr, log: log, quit: make(chan struct{})}
}

func (w *consoleWindow) Load(url string) error {
	w.mu.Lock()
	w.open = 1
	w.mu.Unlock()
	_, err := fmt.Fprintf(w.stdout, "CodePilot is ready at %s\n", url)
	return err
}

func (w *consoleWindow) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.open
}

func (w *consoleWindow) ShowError(title, msg string) {
	w.log.Error(title, "message", msg)
	_, _ = fmt.Fprintf(w.stderr, "%s\n\n%s\n", title, msg)
}

func (w *consoleWindow) Quit() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.open = 0
	if !w.closed {
		w.closed = true
		close(w.quit)
	}
}

// Quitting is closed once Quit has been called.
func (w *consoleWindow) Quitting() <-chan struct{} { return w.quit }
