package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ianremillard/lucidity-host/internal/pairing"
)

// newStdinApprover builds a pairing.Approver that prints the request to
// stderr and blocks on a y/n answer from stdin. It stands in for the
// graphical shell's approval dialog (spec §4.7) when lucidityd is run
// directly from a terminal.
func newStdinApprover(log zerolog.Logger) pairing.Approver {
	reader := bufio.NewReader(os.Stdin)
	return pairing.ApproverFunc(func(ctx context.Context, req pairing.RequestSummary) pairing.Outcome {
		fmt.Fprintf(os.Stderr, "\npairing request %s: device %q (%s), key %s\napprove? [y/N] ",
			requestID(), req.DeviceName, req.UserEmail, req.Fingerprint)

		answers := make(chan string, 1)
		go func() {
			line, _ := reader.ReadString('\n')
			answers <- strings.TrimSpace(strings.ToLower(line))
		}()

		select {
		case <-ctx.Done():
			log.Warn().Str("fingerprint", req.Fingerprint).Msg("pairing prompt timed out")
			return pairing.Timeout
		case answer := <-answers:
			if answer == "y" || answer == "yes" {
				return pairing.Approved
			}
			return pairing.Rejected
		}
	})
}
