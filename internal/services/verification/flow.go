package verification

import (
	"crypto/subtle"
	"fmt"
	"io"
	"slices"
	"time"

	"go.mau.fi/util/jsontime"
	"maunium.net/go/mautrix/id"

	"mxcrypt/internal/crypto"
	"mxcrypt/internal/domain"
	"mxcrypt/internal/domain/types"
)

// State is the position of a flow.
type State int

const (
	StateRequested State = iota
	StateReady
	StateStarted
	StateKeySent
	StateMacExchanged
	StateScanned
	StateConfirmed
	StateDone
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateRequested:
		return "requested"
	case StateReady:
		return "ready"
	case StateStarted:
		return "started"
	case StateKeySent:
		return "key_sent"
	case StateMacExchanged:
		return "mac_exchanged"
	case StateScanned:
		return "scanned"
	case StateConfirmed:
		return "confirmed"
	case StateDone:
		return "done"
	case StateCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further input changes the flow.
func (s State) Terminal() bool { return s == StateDone || s == StateCancelled }

// Keys is what a flow knows about one side.
type Keys struct {
	UserID    id.UserID
	DeviceID  id.DeviceID
	DeviceKey domain.Ed25519Public
	MasterKey *domain.Ed25519Public
}

func (k Keys) deviceKeyID() id.KeyID {
	return types.DeviceSigningKeyID(k.DeviceID)
}

// macKeys lists the keys a side proves with its MAC.
func (k Keys) macKeys() map[id.KeyID]string {
	out := map[id.KeyID]string{}
	if !k.DeviceKey.IsZero() {
		out[k.deviceKeyID()] = k.DeviceKey.String()
	}
	if k.MasterKey != nil {
		out[id.NewKeyID(id.KeyAlgorithmEd25519, k.MasterKey.String())] = k.MasterKey.String()
	}
	return out
}

// Outgoing is an event the caller must send to the other side.
type Outgoing struct {
	Type    types.EventType
	Content any
}

// Cancellation records why a flow ended early.
type Cancellation struct {
	Code   types.CancelCode
	Reason string
	// ByUs is set when this side cancelled.
	ByUs bool
}

// Verified lists the keys of the other side proven by a finished flow.
type Verified struct {
	UserID    id.UserID
	DeviceID  id.DeviceID
	DeviceKey *domain.Ed25519Public
	MasterKey *domain.Ed25519Public
}

// Outputs is what one Handle call produced.
type Outputs struct {
	Send        []Outgoing
	SAS         *SAS
	QR          *QRCode
	ConfirmScan bool
	Verified    *Verified
	Cancelled   *Cancellation
	// Err is set when a local action is not legal in the current state; the
	// flow is left unchanged.
	Err error
}

func (o *Outputs) send(t types.EventType, content any) {
	o.Send = append(o.Send, Outgoing{Type: t, Content: content})
}

// Input is a received event or a local action.
type Input interface{ input() }

type (
	// Received is an event from the other side. SenderDevice is empty when
	// the transport does not report it.
	Received struct {
		Sender       id.UserID
		SenderDevice id.DeviceID
		Type         types.EventType
		Content      any
	}
	// Accept answers an incoming request with m.key.verification.ready.
	Accept struct{}
	// StartSAS starts emoji/decimal verification.
	StartSAS struct{}
	// ConfirmSAS says the user saw matching strings.
	ConfirmSAS struct{}
	// RejectSAS says the strings differ.
	RejectSAS struct{}
	// ShowQR asks for a QR code to display.
	ShowQR struct{}
	// ScanQR feeds a scanned QR payload.
	ScanQR struct{ Data []byte }
	// ConfirmScan says the user saw the other device scan our code.
	ConfirmScan struct{}
	// Cancel cancels the flow.
	Cancel struct{ Reason string }
	// Tick checks the timeout.
	Tick struct{}
)

func (Received) input()    {}
func (Accept) input()      {}
func (StartSAS) input()    {}
func (ConfirmSAS) input()  {}
func (RejectSAS) input()   {}
func (ShowQR) input()      {}
func (ScanQR) input()      {}
func (ConfirmScan) input() {}
func (Cancel) input()      {}
func (Tick) input()        {}

var supportedMethods = []string{
	types.VerificationMethodSAS,
	types.VerificationMethodQRShow,
	types.VerificationMethodQRScan,
	types.VerificationMethodReciprocate,
}

// Flow is one verification between this device and another. It is a plain
// value: Handle is its only transition function and it performs no I/O.
type Flow struct {
	TxnID     string
	Our       Keys
	Their     Keys
	State     State
	Initiator bool
	// OurMasterTrusted is set when this device has verified its own master key.
	OurMasterTrusted bool
	Cancellation     *Cancellation
	CreatedAt        time.Time
	LastEvent        time.Time

	timeout time.Duration
	rand    io.Reader

	weStarted  bool
	start      *types.VerificationStartContent
	ephPriv    domain.X25519Private
	ephPub     domain.X25519Public
	theirEph   *domain.X25519Public
	commitment string
	shared     []byte
	macSent    bool
	theirMAC   []id.KeyID

	shown   *QRCode
	scanned *QRCode

	sentDone     bool
	receivedDone bool
}

// NewOutgoing starts a flow towards their (DeviceID may be empty when the
// request goes to all of their devices).
func NewOutgoing(txnID string, our, their Keys, now time.Time, timeout time.Duration, rand io.Reader) (*Flow, Outputs) {
	f := newFlow(txnID, our, their, now, timeout, rand)
	f.Initiator = true
	var out Outputs
	out.send(types.EventVerificationRequest, &types.VerificationRequestContent{
		FromDevice:    our.DeviceID,
		Methods:       supportedMethods,
		Timestamp:     jsontime.UM(now),
		TransactionID: txnID,
	})
	return f, out
}

// NewIncoming creates a flow for a received request. Requests older than
// the timeout or from the future are rejected.
func NewIncoming(our, their Keys, req *types.VerificationRequestContent, now time.Time, timeout time.Duration, rand io.Reader) (*Flow, error) {
	sent := req.Timestamp.Time
	if now.Sub(sent) > timeout || sent.Sub(now) > 5*time.Minute {
		return nil, fmt.Errorf("verification request timestamp %s is out of range", sent)
	}
	if !slices.Contains(req.Methods, types.VerificationMethodSAS) && !slices.Contains(req.Methods, types.VerificationMethodReciprocate) {
		return nil, fmt.Errorf("no supported verification method in %v", req.Methods)
	}
	return newFlow(req.TransactionID, our, their, now, timeout, rand), nil
}

func newFlow(txnID string, our, their Keys, now time.Time, timeout time.Duration, rand io.Reader) *Flow {
	return &Flow{
		TxnID:     txnID,
		Our:       our,
		Their:     their,
		State:     StateRequested,
		CreatedAt: now,
		LastEvent: now,
		timeout:   timeout,
		rand:      rand,
	}
}

// Handle applies one input at time now. A flow idle for longer than its
// timeout is cancelled whatever the input.
func (f *Flow) Handle(now time.Time, in Input) Outputs {
	if f.State.Terminal() {
		return Outputs{}
	}
	if now.Sub(f.LastEvent) >= f.timeout {
		return f.cancel(types.CancelTimeout, "verification timed out")
	}
	if _, ok := in.(Tick); ok {
		return Outputs{}
	}
	f.LastEvent = now

	switch in := in.(type) {
	case Received:
		return f.receive(in)
	case Cancel:
		return f.cancel(types.CancelUser, in.Reason)
	case Accept:
		if f.State != StateRequested || f.Initiator {
			return f.illegal("accept")
		}
		var out Outputs
		out.send(types.EventVerificationReady, &types.VerificationReadyContent{
			FromDevice:    f.Our.DeviceID,
			Methods:       supportedMethods,
			TransactionID: f.TxnID,
		})
		f.State = StateReady
		return out
	case StartSAS:
		if f.State != StateReady {
			return f.illegal("start")
		}
		return f.startSAS()
	case ConfirmSAS:
		if f.State != StateKeySent || f.shared == nil || f.macSent {
			return f.illegal("confirm")
		}
		var out Outputs
		out.send(types.EventVerificationMAC, buildMAC(f.shared, f.ourParty(), f.theirParty(), f.TxnID, f.Our.macKeys()))
		f.macSent = true
		f.finishSAS(&out)
		return out
	case RejectSAS:
		if f.State != StateKeySent {
			return f.illegal("reject")
		}
		return f.cancel(types.CancelMismatchedSAS, "short authentication strings differ")
	case ShowQR:
		if f.State != StateReady {
			return f.illegal("show QR code")
		}
		return f.showQR()
	case ScanQR:
		if f.State != StateReady {
			return f.illegal("scan QR code")
		}
		return f.scanQR(in.Data)
	case ConfirmScan:
		if f.State != StateScanned {
			return f.illegal("confirm scan")
		}
		f.State = StateConfirmed
		var out Outputs
		f.sendDone(&out)
		f.finishDone(&out)
		return out
	}
	return f.illegal(fmt.Sprintf("%T", in))
}

func (f *Flow) illegal(action string) Outputs {
	return Outputs{Err: fmt.Errorf("cannot %s in state %s", action, f.State)}
}

func (f *Flow) cancel(code types.CancelCode, reason string) Outputs {
	var out Outputs
	out.send(types.EventVerificationCancel, &types.VerificationCancelContent{
		TransactionID: f.TxnID,
		Code:          code,
		Reason:        reason,
	})
	f.State = StateCancelled
	f.Cancellation = &Cancellation{Code: code, Reason: reason, ByUs: true}
	out.Cancelled = f.Cancellation
	f.wipe()
	return out
}

func (f *Flow) unexpected(what string) Outputs {
	return f.cancel(types.CancelUnexpectedMessage, fmt.Sprintf("unexpected %s in state %s", what, f.State))
}

func (f *Flow) wipe() {
	f.ephPriv = domain.X25519Private{}
	f.shared = nil
}

func (f *Flow) receive(r Received) Outputs {
	if r.Sender != f.Their.UserID {
		return f.unexpected("event from " + string(r.Sender))
	}
	if r.SenderDevice != "" && f.Their.DeviceID != "" && r.SenderDevice != f.Their.DeviceID {
		return f.unexpected("event from device " + string(r.SenderDevice))
	}
	switch c := r.Content.(type) {
	case *types.VerificationCancelContent:
		f.State = StateCancelled
		f.Cancellation = &Cancellation{Code: c.Code, Reason: c.Reason}
		f.wipe()
		return Outputs{Cancelled: f.Cancellation}
	case *types.VerificationReadyContent:
		if f.State != StateRequested || !f.Initiator {
			return f.unexpected("ready")
		}
		if c.FromDevice != f.Their.DeviceID || f.Their.DeviceKey.IsZero() {
			return f.cancel(types.CancelKeyMismatch, "ready from unknown device "+string(c.FromDevice))
		}
		f.State = StateReady
		return Outputs{}
	case *types.VerificationStartContent:
		if c.FromDevice != f.Their.DeviceID {
			return f.unexpected("start from " + string(c.FromDevice))
		}
		return f.receiveStart(c)
	case *types.VerificationAcceptContent:
		if f.State != StateStarted || !f.weStarted {
			return f.unexpected("accept")
		}
		if c.KeyAgreementProtocol != types.SASKeyAgreementCurve25519 || c.Hash != types.SASHashSHA256 ||
			c.MessageAuthenticationCode != types.SASMACHKDFHMACSHA256 || len(c.ShortAuthenticationString) == 0 {
			return f.cancel(types.CancelUnknownMethod, "unsupported SAS parameters")
		}
		f.commitment = c.Commitment
		var out Outputs
		out.send(types.EventVerificationKey, &types.VerificationKeyContent{TransactionID: f.TxnID, Key: f.ephPub.String()})
		f.State = StateKeySent
		return out
	case *types.VerificationKeyContent:
		return f.receiveKey(c)
	case *types.VerificationMACContent:
		if f.State != StateKeySent || f.shared == nil || f.theirMAC != nil {
			return f.unexpected("mac")
		}
		covered, ok := checkMAC(f.shared, f.theirParty(), f.ourParty(), f.TxnID, c, f.Their.macKeys())
		if !ok {
			return f.cancel(types.CancelMismatchedSAS, "MAC verification failed")
		}
		f.theirMAC = covered
		var out Outputs
		f.finishSAS(&out)
		return out
	case *types.VerificationDoneContent:
		switch f.State {
		case StateMacExchanged, StateConfirmed, StateScanned:
		default:
			return f.unexpected("done")
		}
		f.receivedDone = true
		var out Outputs
		f.finishDone(&out)
		return out
	}
	return f.unexpected(string(r.Type))
}

func (f *Flow) receiveStart(c *types.VerificationStartContent) Outputs {
	switch c.Method {
	case types.VerificationMethodReciprocate:
		if f.State != StateReady || f.shown == nil {
			return f.unexpected("reciprocate")
		}
		secret, err := crypto.DecodeB64(c.Secret)
		if err != nil || subtle.ConstantTimeCompare(secret, f.shown.Secret) != 1 {
			return f.cancel(types.CancelKeyMismatch, "QR code secret does not match")
		}
		f.State = StateScanned
		return Outputs{ConfirmScan: true}
	case types.VerificationMethodSAS:
		switch {
		case f.State == StateReady:
		case f.State == StateStarted && f.weStarted:
			// Both sides started: the lexicographically smaller user (then
			// device) keeps its start.
			if f.Our.UserID < f.Their.UserID || (f.Our.UserID == f.Their.UserID && f.Our.DeviceID < f.Their.DeviceID) {
				return Outputs{}
			}
			f.weStarted = false
		default:
			return f.unexpected("start")
		}
		return f.acceptStart(c)
	}
	return f.cancel(types.CancelUnknownMethod, "unknown method "+c.Method)
}

func (f *Flow) newEphemeral() error {
	priv, pub, err := crypto.GenerateX25519From(f.rand)
	if err != nil {
		return err
	}
	f.ephPriv, f.ephPub = priv, pub
	return nil
}

func (f *Flow) startSAS() Outputs {
	if err := f.newEphemeral(); err != nil {
		return Outputs{Err: err}
	}
	f.start = &types.VerificationStartContent{
		FromDevice:                 f.Our.DeviceID,
		Method:                     types.VerificationMethodSAS,
		TransactionID:              f.TxnID,
		KeyAgreementProtocols:      []string{types.SASKeyAgreementCurve25519},
		Hashes:                     []string{types.SASHashSHA256},
		MessageAuthenticationCodes: []string{types.SASMACHKDFHMACSHA256},
		ShortAuthenticationString:  []string{types.SASModeDecimal, types.SASModeEmoji},
	}
	f.weStarted = true
	f.State = StateStarted
	var out Outputs
	out.send(types.EventVerificationStart, f.start)
	return out
}

func (f *Flow) acceptStart(c *types.VerificationStartContent) Outputs {
	if !slices.Contains(c.KeyAgreementProtocols, types.SASKeyAgreementCurve25519) ||
		!slices.Contains(c.Hashes, types.SASHashSHA256) ||
		!slices.Contains(c.MessageAuthenticationCodes, types.SASMACHKDFHMACSHA256) {
		return f.cancel(types.CancelUnknownMethod, "unsupported SAS parameters")
	}
	var modes []string
	for _, m := range c.ShortAuthenticationString {
		if m == types.SASModeDecimal || m == types.SASModeEmoji {
			modes = append(modes, m)
		}
	}
	if !slices.Contains(modes, types.SASModeDecimal) {
		return f.cancel(types.CancelUnknownMethod, "decimal SAS is required")
	}
	if err := f.newEphemeral(); err != nil {
		return Outputs{Err: err}
	}
	commit, err := commitment(f.ephPub, c)
	if err != nil {
		return f.cancel(types.CancelInvalidMessage, "cannot canonicalise start")
	}
	f.start = c
	f.State = StateStarted
	var out Outputs
	out.send(types.EventVerificationAccept, &types.VerificationAcceptContent{
		TransactionID:             f.TxnID,
		Method:                    types.VerificationMethodSAS,
		KeyAgreementProtocol:      types.SASKeyAgreementCurve25519,
		Hash:                      types.SASHashSHA256,
		MessageAuthenticationCode: types.SASMACHKDFHMACSHA256,
		ShortAuthenticationString: modes,
		Commitment:                commit,
	})
	return out
}

func (f *Flow) receiveKey(c *types.VerificationKeyContent) Outputs {
	acceptor := f.State == StateStarted && !f.weStarted && f.start != nil
	starter := f.State == StateKeySent && f.weStarted && f.theirEph == nil
	if !acceptor && !starter {
		return f.unexpected("key")
	}
	theirs, err := types.ParseX25519Public(c.Key)
	if err != nil {
		return f.cancel(types.CancelInvalidMessage, "malformed key")
	}
	var out Outputs
	if starter {
		want, err := commitment(theirs, f.start)
		if err != nil || subtle.ConstantTimeCompare([]byte(want), []byte(f.commitment)) != 1 {
			return f.cancel(types.CancelMismatchedSAS, errCommitment.Error())
		}
	} else {
		out.send(types.EventVerificationKey, &types.VerificationKeyContent{TransactionID: f.TxnID, Key: f.ephPub.String()})
	}
	shared, err := crypto.DH(f.ephPriv, theirs)
	if err != nil {
		return f.cancel(types.CancelInvalidMessage, "bad key agreement")
	}
	f.theirEph = &theirs
	f.shared = shared[:]
	f.State = StateKeySent

	s, a := f.ourParty(), f.theirParty()
	if !f.weStarted {
		s, a = a, s
	}
	sas := makeSAS(sasBytes(f.shared, s, a, f.TxnID))
	out.SAS = &sas
	return out
}

func (f *Flow) ourParty() party {
	return party{user: f.Our.UserID, device: f.Our.DeviceID, key: f.ephPub}
}

func (f *Flow) theirParty() party {
	p := party{user: f.Their.UserID, device: f.Their.DeviceID}
	if f.theirEph != nil {
		p.key = *f.theirEph
	}
	return p
}

// finishSAS moves to MacExchanged once both MACs are through.
func (f *Flow) finishSAS(out *Outputs) {
	if !f.macSent || f.theirMAC == nil {
		return
	}
	f.State = StateMacExchanged
	f.wipe()
	f.sendDone(out)
	f.finishDone(out)
}

func (f *Flow) sendDone(out *Outputs) {
	out.send(types.EventVerificationDone, &types.VerificationDoneContent{TransactionID: f.TxnID})
	f.sentDone = true
}

func (f *Flow) finishDone(out *Outputs) {
	if !f.sentDone || !f.receivedDone {
		return
	}
	f.State = StateDone
	out.Verified = f.verified()
}

// verified lists the keys the finished flow proved.
func (f *Flow) verified() *Verified {
	v := &Verified{UserID: f.Their.UserID, DeviceID: f.Their.DeviceID}
	for _, kid := range f.theirMAC {
		switch {
		case kid == f.Their.deviceKeyID():
			k := f.Their.DeviceKey
			v.DeviceKey = &k
		case f.Their.MasterKey != nil:
			k := *f.Their.MasterKey
			v.MasterKey = &k
		}
	}
	if q := f.scanned; q != nil {
		switch q.Mode {
		case QRCrossSigning, QRSelfTrusted:
			k := domain.Ed25519Public(q.Key1)
			v.MasterKey = &k
		case QRSelfUntrusted:
			k := domain.Ed25519Public(q.Key1)
			v.DeviceKey = &k
		}
	}
	if q := f.shown; q != nil {
		switch q.Mode {
		case QRCrossSigning, QRSelfUntrusted:
			k := domain.Ed25519Public(q.Key2)
			v.MasterKey = &k
		case QRSelfTrusted:
			k := domain.Ed25519Public(q.Key2)
			v.DeviceKey = &k
		}
	}
	return v
}

func (f *Flow) showQR() Outputs {
	q := &QRCode{TxnID: f.TxnID, Secret: make([]byte, secretLen)}
	if _, err := io.ReadFull(f.rand, q.Secret); err != nil {
		return Outputs{Err: err}
	}
	switch {
	case f.Our.MasterKey == nil:
		return Outputs{Err: fmt.Errorf("no master key to show")}
	case f.Their.UserID != f.Our.UserID:
		if f.Their.MasterKey == nil {
			return Outputs{Err: fmt.Errorf("%s has no master key", f.Their.UserID)}
		}
		q.Mode, q.Key1, q.Key2 = QRCrossSigning, ed(*f.Our.MasterKey), ed(*f.Their.MasterKey)
	case f.OurMasterTrusted:
		if f.Their.DeviceKey.IsZero() {
			return Outputs{Err: fmt.Errorf("other device is unknown")}
		}
		q.Mode, q.Key1, q.Key2 = QRSelfTrusted, ed(*f.Our.MasterKey), ed(f.Their.DeviceKey)
	default:
		q.Mode, q.Key1, q.Key2 = QRSelfUntrusted, ed(f.Our.DeviceKey), ed(*f.Our.MasterKey)
	}
	f.shown = q
	return Outputs{QR: q}
}

func (f *Flow) scanQR(data []byte) Outputs {
	q, err := ParseQRCode(data)
	if err != nil {
		return f.cancel(types.CancelInvalidMessage, err.Error())
	}
	if q.TxnID != f.TxnID {
		return f.cancel(types.CancelUnknownTransaction, "QR code is for another transaction")
	}
	self := f.Their.UserID == f.Our.UserID
	matches := func(k [32]byte, want *domain.Ed25519Public) bool {
		return want != nil && subtle.ConstantTimeCompare(k[:], want[:]) == 1
	}
	ourDevice, theirDevice := f.Our.DeviceKey, f.Their.DeviceKey
	var ok bool
	switch q.Mode {
	case QRCrossSigning:
		ok = !self && matches(q.Key1, f.Their.MasterKey) && matches(q.Key2, f.Our.MasterKey)
	case QRSelfTrusted:
		ok = self && matches(q.Key1, f.Our.MasterKey) && matches(q.Key2, &ourDevice)
	case QRSelfUntrusted:
		ok = self && f.OurMasterTrusted && matches(q.Key1, &theirDevice) && matches(q.Key2, f.Our.MasterKey)
	}
	if !ok {
		return f.cancel(types.CancelKeyMismatch, "QR code keys do not match")
	}
	f.scanned = q
	f.State = StateConfirmed
	var out Outputs
	out.send(types.EventVerificationStart, &types.VerificationStartContent{
		FromDevice:    f.Our.DeviceID,
		Method:        types.VerificationMethodReciprocate,
		TransactionID: f.TxnID,
		Secret:        crypto.B64(q.Secret),
	})
	f.sendDone(&out)
	return out
}
