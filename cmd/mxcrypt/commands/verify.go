package commands

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"maunium.net/go/mautrix/id"

	"mxcrypt/internal/app"
	"mxcrypt/internal/services/verification"
)

const pollInterval = time.Second

// Verification flows live in memory, so one process runs a flow from start
// to finish: `verify request` on one device, `verify wait` on the other.
func verifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Interactive device verification (SAS or QR)",
	}

	var qrOut string
	request := &cobra.Command{
		Use:   "request <user> [device]",
		Short: "Ask a user's device (or all of their devices) to verify, then follow the flow",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openRelayApp(cmd)
			if err != nil {
				return err
			}
			user := id.UserID(args[0])
			var device id.DeviceID
			if len(args) == 2 {
				device = id.DeviceID(args[1])
			}
			if _, err := a.Machine.UpdateDevices(cmd.Context(), user); err != nil {
				return err
			}
			step, err := a.Machine.RequestVerification(cmd.Context(), user, device)
			if err != nil {
				return err
			}
			v := newVerifier(cmd, a)
			v.txn, v.initiator, v.qrOut = step.TxnID, true, qrOut
			printStep(v.out, step)
			return v.run()
		},
	}
	request.Flags().StringVar(&qrOut, "qr", "", "show a QR code (written to this PNG file) instead of comparing emoji")

	var scan bool
	wait := &cobra.Command{
		Use:   "wait",
		Short: "Wait for an incoming verification request and follow the flow",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openRelayApp(cmd)
			if err != nil {
				return err
			}
			v := newVerifier(cmd, a)
			v.scan = scan
			printf(v.out, "Waiting for a verification request...\n")
			return v.run()
		},
	}
	wait.Flags().BoolVar(&scan, "scan", false, "scan the other device's QR code (paste its payload) instead of comparing emoji")

	cmd.AddCommand(request, wait)
	return cmd
}

type verifier struct {
	cmd *cobra.Command
	a   *app.App
	in  *bufio.Reader
	out io.Writer

	txn       string
	initiator bool
	qrOut     string
	scan      bool
}

func newVerifier(cmd *cobra.Command, a *app.App) *verifier {
	return &verifier{cmd: cmd, a: a, in: bufio.NewReader(cmd.InOrStdin()), out: cmd.OutOrStdout()}
}

// run polls the relay and drives the flow until it is done or cancelled.
func (v *verifier) run() error {
	ctx := v.cmd.Context()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		events, err := v.a.Relay.FetchToDevice(ctx)
		if err != nil {
			return err
		}
		for _, res := range v.a.Machine.HandleToDevice(ctx, events) {
			if res.Err != nil {
				printResult(v.out, res)
				continue
			}
			step := res.Verification
			if step == nil {
				continue
			}
			if v.txn == "" && step.State == verification.StateRequested {
				printStep(v.out, step)
				if !v.confirm(fmt.Sprintf("Accept verification request from %s?", step.ToUser)) {
					v.txn = step.TxnID
					_, err := v.act(verification.Cancel{Reason: "declined by user"})
					return err
				}
				v.txn = step.TxnID
				if done, err := v.act(verification.Accept{}); done {
					return err
				}
				continue
			}
			if step.TxnID != v.txn {
				continue
			}
			if done, err := v.handle(step); done {
				return err
			}
		}

		if err := v.a.Machine.SweepVerifications(ctx); err != nil {
			return err
		}
		if f, ok := v.a.Machine.Verification.Get(v.txn); ok && f.State == verification.StateCancelled {
			reason := "timed out"
			if f.Cancellation != nil {
				reason = f.Cancellation.Reason
			}
			return fmt.Errorf("verification %s cancelled: %s", v.txn, reason)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// handle reacts to a step of our flow. It reports true once the flow ended.
func (v *verifier) handle(step *verification.Step) (bool, error) {
	printStep(v.out, step)
	switch {
	case step.Cancelled != nil:
		return true, fmt.Errorf("verification %s cancelled: %s", step.TxnID, step.Cancelled.Reason)
	case step.State == verification.StateDone:
		return true, nil
	case step.QR != nil:
		return false, v.writeQR(step.QR)
	case step.SAS != nil:
		if v.confirm("Do the emoji (or numbers) match the other device?") {
			return v.act(verification.ConfirmSAS{})
		}
		return v.act(verification.RejectSAS{})
	case step.ConfirmScan:
		if v.confirm("Did the other device report a successful scan?") {
			return v.act(verification.ConfirmScan{})
		}
		return v.act(verification.Cancel{Reason: "scan not confirmed"})
	case step.State == verification.StateReady:
		switch {
		case v.qrOut != "":
			return v.act(verification.ShowQR{})
		case v.scan:
			data, err := v.readPayload()
			if err != nil {
				return true, err
			}
			return v.act(verification.ScanQR{Data: data})
		case v.initiator:
			return v.act(verification.StartSAS{})
		}
	}
	return false, nil
}

func (v *verifier) act(in verification.Input) (bool, error) {
	step, err := v.a.Machine.Verify(v.cmd.Context(), v.txn, in)
	if err != nil {
		return true, err
	}
	if step.Err != nil {
		return true, step.Err
	}
	return v.handle(step)
}

func (v *verifier) confirm(question string) bool {
	printf(v.out, "%s [y/N] ", question)
	line, _ := v.in.ReadString('\n')
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func (v *verifier) readPayload() ([]byte, error) {
	printf(v.out, "Paste the QR payload shown by the other device: ")
	line, err := v.in.ReadString('\n')
	if err != nil && line == "" {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(strings.TrimSpace(line))
}

func (v *verifier) writeQR(qr *verification.QRCode) error {
	png, err := qr.PNG(256)
	if err != nil {
		return err
	}
	if err := os.WriteFile(v.qrOut, png, 0o600); err != nil {
		return err
	}
	printf(v.out, "QR code written to %s\n", v.qrOut)
	printf(v.out, "Payload: %s\n", base64.StdEncoding.EncodeToString(qr.Bytes()))
	return nil
}

func printStep(w io.Writer, step *verification.Step) {
	if step == nil {
		return
	}
	printf(w, "Verification %s with %s: %s\n", step.TxnID, step.ToUser, step.State)
	if step.SAS != nil {
		var emoji []string
		for _, e := range step.SAS.Emoji {
			emoji = append(emoji, e.Symbol+" "+e.Description)
		}
		printf(w, "  Emoji:   %s\n", strings.Join(emoji, ", "))
		printf(w, "  Decimal: %d %d %d\n", step.SAS.Decimal[0], step.SAS.Decimal[1], step.SAS.Decimal[2])
	}
	if step.Verified != nil {
		printf(w, "  Verified %s %s\n", step.Verified.UserID, step.Verified.DeviceID)
	}
	if step.Cancelled != nil {
		printf(w, "  Cancelled (%s): %s\n", step.Cancelled.Code, step.Cancelled.Reason)
	}
}
