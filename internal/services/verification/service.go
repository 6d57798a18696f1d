package verification

import (
	"context"
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"mxcrypt/internal/domain"
	"mxcrypt/internal/domain/interfaces"
	"mxcrypt/internal/domain/types"
	"mxcrypt/internal/errs"
	"mxcrypt/internal/metrics"
	"mxcrypt/internal/util/clock"
)

// DefaultTimeout is how long a flow may go without events.
const DefaultTimeout = 10 * time.Minute

// Signer applies the result of a finished flow.
type Signer interface {
	HasPrivateKey(ctx context.Context, usage types.CrossSigningUsage) (bool, error)
	SignDevice(ctx context.Context, userID id.UserID, deviceID id.DeviceID) (types.SignaturesUpload, error)
	SignUser(ctx context.Context, userID id.UserID) (types.SignaturesUpload, error)
	SetLocalTrust(ctx context.Context, userID id.UserID, deviceID id.DeviceID, state types.TrustState) error
	MarkOwnMasterVerified(ctx context.Context, master domain.Ed25519Public) error
}

// Step is the result of feeding one input to a flow: the outputs plus who
// the events go to. ToDevice is empty for a request sent to every device of
// the user.
type Step struct {
	TxnID    string
	State    State
	ToUser   id.UserID
	ToDevice id.DeviceID
	Outputs
	// Upload holds signatures to publish after a flow finished.
	Upload types.SignaturesUpload
}

type entry struct {
	mu   sync.Mutex
	flow *Flow
}

// Service keeps the active flows of this device. Flows live in memory only;
// a restart drops them and the other side times out.
type Service struct {
	store   interfaces.Store
	signer  Signer
	our     Keys
	flows   *xsync.Map[string, *entry]
	timeout time.Duration
	clock   interfaces.Clock
	rand    io.Reader
	log     zerolog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option { return func(s *Service) { s.timeout = d } }

// WithClock replaces the wall clock.
func WithClock(c interfaces.Clock) Option { return func(s *Service) { s.clock = c } }

// WithRand replaces the randomness source for ephemeral keys and QR secrets.
func WithRand(r io.Reader) Option { return func(s *Service) { s.rand = r } }

// New returns a verification service for the local device acc.
func New(store interfaces.Store, acc *domain.Account, signer Signer, log zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		store:  store,
		signer: signer,
		our: Keys{
			UserID:    acc.UserID,
			DeviceID:  acc.DeviceID,
			DeviceKey: acc.Identity.EdPub,
		},
		flows:   xsync.NewMap[string, *entry](),
		timeout: DefaultTimeout,
		clock:   clock.System{},
		rand:    rand.Reader,
		log:     log.With().Str("component", "verification").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Request starts a flow with userID. deviceID may be empty to ask all of the
// user's devices.
func (s *Service) Request(ctx context.Context, userID id.UserID, deviceID id.DeviceID) (*Step, error) {
	const op = "verification.Request"
	our, trusted, their, err := s.keys(ctx, userID, deviceID)
	if err != nil {
		return nil, err
	}
	if deviceID != "" && their.DeviceKey.IsZero() {
		return nil, errs.New(errs.CodeUnknownDevice, op, "unknown device %s/%s", userID, deviceID)
	}
	f, out := NewOutgoing(uuid.NewString(), our, their, s.clock.Now(), s.timeout, s.rand)
	f.OurMasterTrusted = trusted
	s.flows.Store(f.TxnID, &entry{flow: f})
	s.log.Info().Str("flow_id", f.TxnID).Str("user_id", string(userID)).Msg("Requested verification")
	return s.step(f, out), nil
}

// HandleEvent routes a received verification event to its flow. A request
// creates a new flow; events for unknown transactions are answered with a
// cancel. senderDevice may be empty when the transport does not know it;
// otherwise a flow only accepts events from the device it is bound to.
func (s *Service) HandleEvent(ctx context.Context, sender id.UserID, senderDevice id.DeviceID, content any) (*Step, error) {
	const op = "verification.HandleEvent"
	txnID, fromDevice := routing(content)
	if txnID == "" {
		return nil, errs.New(errs.CodeInvalidInput, op, "verification event without transaction id")
	}
	if senderDevice != "" && fromDevice != "" && senderDevice != fromDevice {
		s.log.Warn().Bool("security", true).Str("flow_id", txnID).Str("user_id", string(sender)).
			Str("device_id", string(senderDevice)).Str("from_device", string(fromDevice)).
			Msg("Verification event claims another device")
		metrics.SecurityEventsTotal.WithLabelValues("verification_device_mismatch").Inc()
	}
	if req, ok := content.(*types.VerificationRequestContent); ok {
		if senderDevice != "" && req.FromDevice != senderDevice {
			return nil, errs.New(errs.CodeInvalidInput, op, "verification request for %s sent by %s", req.FromDevice, senderDevice)
		}
		return s.incoming(ctx, sender, req)
	}
	e, ok := s.flows.Load(txnID)
	if !ok {
		switch content.(type) {
		case *types.VerificationCancelContent, *types.VerificationDoneContent:
			return nil, nil
		}
		return &Step{TxnID: txnID, State: StateCancelled, ToUser: sender, ToDevice: fromDevice, Outputs: Outputs{
			Send: []Outgoing{{Type: types.EventVerificationCancel, Content: &types.VerificationCancelContent{
				TransactionID: txnID, Code: types.CancelUnknownTransaction, Reason: "unknown transaction",
			}}},
		}}, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	f := e.flow
	if fromDevice != "" && f.Their.DeviceID == "" && sender == f.Their.UserID &&
		(senderDevice == "" || senderDevice == fromDevice) {
		if err := s.bindDevice(ctx, f, fromDevice); err != nil {
			return nil, err
		}
	}
	out := f.Handle(s.clock.Now(), Received{Sender: sender, SenderDevice: senderDevice, Content: content})
	return s.finish(ctx, f, out)
}

// Act applies a local action to a flow.
func (s *Service) Act(ctx context.Context, txnID string, in Input) (*Step, error) {
	const op = "verification.Act"
	e, ok := s.flows.Load(txnID)
	if !ok {
		return nil, errs.New(errs.CodeInvalidInput, op, "unknown verification %s", txnID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.flow.Handle(s.clock.Now(), in)
	if out.Err != nil {
		return nil, errs.Wrap(errs.CodeInvalidInput, op, out.Err)
	}
	return s.finish(ctx, e.flow, out)
}

// Sweep cancels flows that timed out and forgets finished ones. It returns
// the cancel events to send.
func (s *Service) Sweep(ctx context.Context) []*Step {
	var steps []*Step
	now := s.clock.Now()
	s.flows.Range(func(txnID string, e *entry) bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.flow.State.Terminal() {
			s.flows.Delete(txnID)
			return true
		}
		out := e.flow.Handle(now, Tick{})
		if out.Cancelled != nil {
			step, _ := s.finish(ctx, e.flow, out)
			steps = append(steps, step)
		}
		return true
	})
	return steps
}

// Get returns a copy of the flow's public state.
func (s *Service) Get(txnID string) (Flow, bool) {
	e, ok := s.flows.Load(txnID)
	if !ok {
		return Flow{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return Flow{
		TxnID:            e.flow.TxnID,
		Our:              e.flow.Our,
		Their:            e.flow.Their,
		State:            e.flow.State,
		Initiator:        e.flow.Initiator,
		OurMasterTrusted: e.flow.OurMasterTrusted,
		Cancellation:     e.flow.Cancellation,
		CreatedAt:        e.flow.CreatedAt,
		LastEvent:        e.flow.LastEvent,
	}, true
}

func (s *Service) incoming(ctx context.Context, sender id.UserID, req *types.VerificationRequestContent) (*Step, error) {
	const op = "verification.HandleEvent"
	if _, ok := s.flows.Load(req.TransactionID); ok {
		return nil, errs.New(errs.CodeInvalidInput, op, "duplicate verification request %s", req.TransactionID)
	}
	our, trusted, their, err := s.keys(ctx, sender, req.FromDevice)
	if err != nil {
		return nil, err
	}
	if their.DeviceKey.IsZero() {
		return nil, errs.New(errs.CodeUnknownDevice, op, "verification request from unknown device %s/%s", sender, req.FromDevice)
	}
	f, err := NewIncoming(our, their, req, s.clock.Now(), s.timeout, s.rand)
	if err != nil {
		return nil, errs.Wrap(errs.CodeInvalidInput, op, err)
	}
	f.OurMasterTrusted = trusted
	if _, loaded := s.flows.LoadOrStore(f.TxnID, &entry{flow: f}); loaded {
		return nil, errs.New(errs.CodeInvalidInput, op, "duplicate verification request %s", req.TransactionID)
	}
	s.log.Info().Str("flow_id", f.TxnID).Str("user_id", string(sender)).Str("device_id", string(req.FromDevice)).
		Msg("Received verification request")
	return s.step(f, Outputs{}), nil
}

// keys loads both sides' keys from the store.
func (s *Service) keys(ctx context.Context, userID id.UserID, deviceID id.DeviceID) (our Keys, trusted bool, their Keys, err error) {
	const op = "verification.keys"
	our, their = s.our, Keys{UserID: userID, DeviceID: deviceID}
	err = s.store.View(ctx, func(tx interfaces.ReadTx) error {
		if own, ok, err := tx.CrossSigning(s.our.UserID); err != nil {
			return errs.Storage(op, err)
		} else if ok {
			if pub, ok := own.Master.PublicKey(); ok {
				our.MasterKey = &pub
				trusted = own.MasterVerified
			}
		}
		if other, ok, err := tx.CrossSigning(userID); err != nil {
			return errs.Storage(op, err)
		} else if ok {
			if pub, ok := other.Master.PublicKey(); ok {
				their.MasterKey = &pub
			}
		}
		if deviceID == "" {
			return nil
		}
		d, ok, err := tx.Device(userID, deviceID)
		if err != nil {
			return errs.Storage(op, err)
		}
		if ok && !d.Deleted {
			their.DeviceKey = d.SigningKey
		}
		return nil
	})
	return our, trusted, their, err
}

func (s *Service) bindDevice(ctx context.Context, f *Flow, deviceID id.DeviceID) error {
	_, _, their, err := s.keys(ctx, f.Their.UserID, deviceID)
	if err != nil {
		return err
	}
	f.Their.DeviceID = deviceID
	f.Their.DeviceKey = their.DeviceKey
	return nil
}

func (s *Service) step(f *Flow, out Outputs) *Step {
	return &Step{
		TxnID:    f.TxnID,
		State:    f.State,
		ToUser:   f.Their.UserID,
		ToDevice: f.Their.DeviceID,
		Outputs:  out,
	}
}

// finish records the outcome of a terminal transition and applies the
// verified keys.
func (s *Service) finish(ctx context.Context, f *Flow, out Outputs) (*Step, error) {
	step := s.step(f, out)
	log := s.log.With().Str("flow_id", f.TxnID).Str("user_id", string(f.Their.UserID)).Logger()
	if out.Cancelled != nil {
		metrics.VerificationsTotal.WithLabelValues("cancelled").Inc()
		ev := log.Info()
		if out.Cancelled.Code == types.CancelMismatchedSAS || out.Cancelled.Code == types.CancelKeyMismatch {
			ev = log.Warn().Bool("security", true)
		}
		ev.Str("code", string(out.Cancelled.Code)).Bool("by_us", out.Cancelled.ByUs).
			Str("reason", out.Cancelled.Reason).Msg("Verification cancelled")
	}
	if out.Verified == nil {
		return step, nil
	}
	metrics.VerificationsTotal.WithLabelValues("done").Inc()
	upload, err := s.apply(ctx, out.Verified)
	if err != nil {
		return step, err
	}
	step.Upload = upload
	log.Info().Str("device_id", string(f.Their.DeviceID)).Msg("Verification done")
	return step, nil
}

// apply issues one signature for a finished flow: the self-signing key over
// our own device, the user-signing key over another user's master key, or a
// local pin when the private key is missing.
func (s *Service) apply(ctx context.Context, v *Verified) (types.SignaturesUpload, error) {
	const op = "verification.apply"
	if v.UserID == s.our.UserID {
		if v.MasterKey != nil {
			if err := s.signer.MarkOwnMasterVerified(ctx, *v.MasterKey); err != nil {
				return nil, err
			}
		}
		if v.DeviceKey == nil {
			return nil, nil
		}
		canSign, err := s.signer.HasPrivateKey(ctx, types.UsageSelfSigning)
		if err != nil {
			return nil, err
		}
		if canSign {
			return s.signer.SignDevice(ctx, v.UserID, v.DeviceID)
		}
		return nil, s.signer.SetLocalTrust(ctx, v.UserID, v.DeviceID, types.TrustVerified)
	}

	if v.MasterKey != nil {
		canSign, err := s.signer.HasPrivateKey(ctx, types.UsageUserSigning)
		if err != nil {
			return nil, err
		}
		if canSign {
			if err := s.checkMaster(ctx, v.UserID, *v.MasterKey); err != nil {
				return nil, err
			}
			return s.signer.SignUser(ctx, v.UserID)
		}
	}
	if v.DeviceKey != nil && v.DeviceID != "" {
		return nil, s.signer.SetLocalTrust(ctx, v.UserID, v.DeviceID, types.TrustVerified)
	}
	s.log.Warn().Str("user_id", string(v.UserID)).Msg("Verification finished without a key this device can sign")
	return nil, errs.New(errs.CodeNotTrusted, op, "no cross-signing key to record the verification of %s", v.UserID)
}

// checkMaster ensures the stored master key is the one the flow proved.
func (s *Service) checkMaster(ctx context.Context, userID id.UserID, master domain.Ed25519Public) error {
	const op = "verification.apply"
	return s.store.View(ctx, func(tx interfaces.ReadTx) error {
		ident, ok, err := tx.CrossSigning(userID)
		if err != nil {
			return errs.Storage(op, err)
		}
		if !ok {
			return errs.New(errs.CodeUnknownDevice, op, "%s has no master key", userID)
		}
		if pub, has := ident.Master.PublicKey(); !has || pub != master {
			return errs.New(errs.CodeCryptoInvariant, op, "master key of %s changed during verification", userID)
		}
		return nil
	})
}

func routing(content any) (txnID string, fromDevice id.DeviceID) {
	switch c := content.(type) {
	case *types.VerificationRequestContent:
		return c.TransactionID, c.FromDevice
	case *types.VerificationReadyContent:
		return c.TransactionID, c.FromDevice
	case *types.VerificationStartContent:
		return c.TransactionID, c.FromDevice
	case *types.VerificationAcceptContent:
		return c.TransactionID, ""
	case *types.VerificationKeyContent:
		return c.TransactionID, ""
	case *types.VerificationMACContent:
		return c.TransactionID, ""
	case *types.VerificationCancelContent:
		return c.TransactionID, ""
	case *types.VerificationDoneContent:
		return c.TransactionID, ""
	}
	return "", ""
}
