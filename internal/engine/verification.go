package engine

import (
	"context"

	"maunium.net/go/mautrix/id"

	"mxcrypt/internal/domain/types"
	"mxcrypt/internal/services/verification"
)

// RequestVerification starts a verification with a device of user, or with
// all of the user's devices when deviceID is empty.
func (m *Machine) RequestVerification(ctx context.Context, user id.UserID, deviceID id.DeviceID) (*verification.Step, error) {
	step, err := m.Verification.Request(ctx, user, deviceID)
	if err != nil {
		return nil, err
	}
	return step, m.sendStep(ctx, step)
}

// Verify applies a local action (accept, start SAS, confirm, scan, cancel)
// to a flow and sends what it produced.
func (m *Machine) Verify(ctx context.Context, txnID string, in verification.Input) (*verification.Step, error) {
	step, err := m.Verification.Act(ctx, txnID, in)
	if err != nil {
		return nil, err
	}
	return step, m.sendStep(ctx, step)
}

// SweepVerifications times out stale flows and sends their cancellations.
func (m *Machine) SweepVerifications(ctx context.Context) error {
	for _, step := range m.Verification.Sweep(ctx) {
		if err := m.sendStep(ctx, step); err != nil {
			return err
		}
	}
	return nil
}

// sendStep delivers a step's events and publishes signatures made when the
// flow finished.
func (m *Machine) sendStep(ctx context.Context, step *verification.Step) error {
	const op = "engine.sendStep"
	if step == nil {
		return nil
	}
	device := step.ToDevice
	if device == "" {
		device = "*"
	}
	for _, out := range step.Send {
		msgs := types.ToDeviceMessages{}
		msgs.Add(step.ToUser, device, out.Content)
		if err := m.transport.SendToDevice(ctx, out.Type, msgs); err != nil {
			return transportErr(op, err)
		}
	}
	if len(step.Upload) > 0 {
		if err := m.transport.UploadSignatures(ctx, step.Upload); err != nil {
			return transportErr(op, err)
		}
		m.log.Info().Str("flow_id", step.TxnID).Msg("Published verification signatures")
	}
	return nil
}
