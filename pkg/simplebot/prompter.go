// Copyright 2024-2026 Aiku AI

package simplebot

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-simplebot/pkg/callbacks"
)

// Decider resumes verifications waiting for an operator answer. *Bot
// implements it.
type Decider interface {
	Decide(ctx context.Context, txnID id.VerificationTransactionID, answer string) error
	Pending() []id.VerificationTransactionID
}

var (
	_ Decider            = (*Bot)(nil)
	_ Decider            = (*callbacks.Dispatcher)(nil)
	_ callbacks.Prompter = (*TerminalPrompter)(nil)
)

// TerminalPrompter shows emoji comparisons on a terminal and reads the
// operator's answers from a separate reader.
type TerminalPrompter struct {
	mu  sync.Mutex
	out io.Writer
}

// NewTerminalPrompter returns a prompter writing to out.
func NewTerminalPrompter(out io.Writer) *TerminalPrompter {
	return &TerminalPrompter{out: out}
}

// RequestDecision prints the emoji and how to answer. It does not wait for
// the answer.
func (p *TerminalPrompter) RequestDecision(_ context.Context, req callbacks.DecisionRequest) {
	p.printf("\nEmoji verification with %s (transaction %s):\n", req.Sender, req.TransactionID)
	for _, e := range req.Emoji {
		p.printf("  %s  %s\n", e.Symbol, e.Description)
	}
	p.printf("Do the emoji match the other device? Answer y (match), n (mismatch) or anything else to cancel.\n")
	p.printf("With several verifications pending, prefix the answer with the transaction ID.\n")
}

// ReadDecisions reads answers line by line from in and passes them to
// decider until in is exhausted or ctx is done. A line is either
// "<transaction> <answer>" or a bare answer, which goes to the only
// pending verification.
func (p *TerminalPrompter) ReadDecisions(ctx context.Context, in io.Reader, decider Decider) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			p.handleLine(ctx, line, decider)
		}
	}
}

func (p *TerminalPrompter) handleLine(ctx context.Context, line string, decider Decider) {
	txnID, answer, ok := p.parseLine(line, decider.Pending())
	if !ok {
		return
	}
	if err := decider.Decide(ctx, txnID, answer); err != nil {
		p.printf("Could not answer verification %s: %v\n", txnID, err)
	}
}

func (p *TerminalPrompter) parseLine(line string, pending []id.VerificationTransactionID) (id.VerificationTransactionID, string, bool) {
	fields := strings.Fields(line)
	if len(fields) >= 2 {
		return id.VerificationTransactionID(fields[0]), fields[1], true
	}
	switch len(pending) {
	case 0:
		p.printf("No verification is waiting for an answer.\n")
		return "", "", false
	case 1:
		answer := ""
		if len(fields) == 1 {
			answer = fields[0]
		}
		return pending[0], answer, true
	default:
		p.printf("Several verifications are pending, answer with \"<transaction> <answer>\": %v\n", pending)
		return "", "", false
	}
}

func (p *TerminalPrompter) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = fmt.Fprintf(p.out, format, args...)
}
