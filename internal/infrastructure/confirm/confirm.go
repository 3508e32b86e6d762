package confirm

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/vitos/crypto_autotrader/internal/domain"
	"golang.org/x/term"
)

const confirmWord = "YES"

var ErrNotInteractive = errors.New("stdin is not a terminal; pass --yes to confirm non-interactively")

// TerminalConfirmer shows the trading parameters and asks the operator to
// type YES. It refuses to prompt when stdin is not a terminal.
type TerminalConfirmer struct {
	in          io.Reader
	out         io.Writer
	interactive func() bool
}

func NewTerminalConfirmer() *TerminalConfirmer {
	return &TerminalConfirmer{
		in:  os.Stdin,
		out: os.Stdout,
		interactive: func() bool {
			return term.IsTerminal(int(os.Stdin.Fd()))
		},
	}
}

// NewPrompt builds a confirmer over arbitrary streams, treated as interactive.
func NewPrompt(in io.Reader, out io.Writer) *TerminalConfirmer {
	return &TerminalConfirmer{in: in, out: out, interactive: func() bool { return true }}
}

func (c *TerminalConfirmer) Confirm(ctx context.Context, req domain.ConfirmationRequest) (bool, error) {
	if !c.interactive() {
		return false, ErrNotInteractive
	}

	mode := "PAPER"
	if req.LiveTrading {
		mode = "LIVE (real funds)"
	}
	fmt.Fprintf(c.out, "\nAutonomous trading is about to start\n")
	fmt.Fprintf(c.out, "  Mode:              %s\n", mode)
	fmt.Fprintf(c.out, "  Balance:           %.2f\n", req.Balance)
	fmt.Fprintf(c.out, "  Symbols:           %s\n", strings.Join(req.Symbols, ", "))
	fmt.Fprintf(c.out, "  Max position:      %.2f\n", req.MaxPosition)
	fmt.Fprintf(c.out, "  Max exposure:      %.2f\n", req.MaxExposure)
	fmt.Fprintf(c.out, "  Max positions:     %d\n", req.MaxPositions)
	fmt.Fprintf(c.out, "  Daily loss limit:  %.2f\n", req.DailyLossLimit)
	fmt.Fprintf(c.out, "Type %s to continue: ", confirmWord)

	answer := make(chan string, 1)
	go func() {
		line, _ := bufio.NewReader(c.in).ReadString('\n')
		answer <- strings.TrimSpace(line)
	}()

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case a := <-answer:
		return a == confirmWord, nil
	}
}

// AutoConfirmer approves without asking (--yes).
type AutoConfirmer struct{}

func (AutoConfirmer) Confirm(ctx context.Context, req domain.ConfirmationRequest) (bool, error) {
	return true, nil
}
