// Package spinning provides a spinning symbol to display while the program is busy (e.g. loading
// a checkpoint), and the handling of interrupts (Ctrl+C).
package spinning

import (
	"context"
	"fmt"
	"io"
	"k8s.io/klog/v2"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// Spinning displays a spinning symbol until Done is called.
type Spinning struct {
	wg     sync.WaitGroup
	cancel func()
}

var (
	ThemeAscii = []rune(`|/-\`)
	ThemeMoon  = []rune("\U0001F311\U0001F312\U0001F313\U0001F314\U0001F315\U0001F316\U0001F317\U0001F318")
	ThemeClock = []rune("\U0001F550\U0001F551\U0001F552\U0001F553\U0001F554\U0001F555\U0001F556\U0001F557\U0001F558\U0001F559\U0001F55A\U0001F55B")

	// Theme defaults to ThemeClock, but it can be set to anything else before calling New.
	Theme = ThemeClock

	// Interval between updates of the symbol.
	Interval = 500 * time.Millisecond
)

// SafeInterrupt will capture SigInt (Ctrl+C) and SigTerm and call the provided onInterrupt.
// If the program haven't exited after gracePeriod, it will call Reset to reset the terminal
// and exit.
func SafeInterrupt(onInterrupt func(), gracePeriod time.Duration) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigChan
		fmt.Println()
		klog.Errorf("Got interrupted (signal %q), shutting down... (%s)", s, gracePeriod)
		if onInterrupt != nil {
			go onInterrupt()
		}

		// Wait for gracePeriod before exiting.
		time.Sleep(gracePeriod)
		Reset()
		klog.Fatalf("Graceful shutting down %s period expired, exiting.", gracePeriod)
	}()
}

// Reset terminal: make cursor visible, restore default terminal colors.
func Reset() {
	fmt.Print("\033[?25h\033[39;49;0m\n") // Restore cursor and colors.
}

// New starts a spinning display on the standard output, that runs on a separate goroutine.
// It stops when Spinning.Done is called or ctx is cancelled.
func New(ctx context.Context) *Spinning {
	return NewWithWriter(ctx, os.Stdout)
}

// NewWithWriter is like New, but displays the spinning symbol in w.
func NewWithWriter(ctx context.Context, w io.Writer) *Spinning {
	s := &Spinning{}
	ctx, s.cancel = context.WithCancel(ctx)
	theme := Theme
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(Interval)
		defer ticker.Stop()
		_, _ = fmt.Fprint(w, "\033[?25l") // Hide cursor.
		defer func() {
			_, _ = fmt.Fprint(w, "\033[?25h") // Restore cursor.
		}()

		_, _ = fmt.Fprint(w, "  ")
		for idx := 0; ; idx = (idx + 1) % len(theme) {
			_, _ = fmt.Fprintf(w, "\b\b%c", theme[idx])
			select {
			case <-ctx.Done():
				_, _ = fmt.Fprint(w, "\b\b")
				return
			case <-ticker.C:
				// continue
			}
		}
	}()
	return s
}

// Done stops the spinning display and waits for it to be cleared.
func (s *Spinning) Done() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.wg.Wait()
}
