package verification

import (
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"

	"mxcrypt/internal/crypto"
	"mxcrypt/internal/domain/types"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newKeys(t *testing.T, user id.UserID, device id.DeviceID) Keys {
	t.Helper()
	_, dev, err := crypto.GenerateEd25519()
	require.NoError(t, err)
	_, master, err := crypto.GenerateEd25519()
	require.NoError(t, err)
	return Keys{UserID: user, DeviceID: device, DeviceKey: dev, MasterKey: &master}
}

// pair builds both ends of a flow that reached Ready.
func pair(t *testing.T) (a, b *Flow) {
	t.Helper()
	alice := newKeys(t, "@alice:example.org", "ALICE")
	bob := newKeys(t, "@bob:example.org", "BOB")
	a, out := NewOutgoing("txn1", alice, bob, t0, DefaultTimeout, rand.Reader)
	require.Len(t, out.Send, 1)
	req := out.Send[0].Content.(*types.VerificationRequestContent)

	b, err := NewIncoming(bob, alice, req, t0, DefaultTimeout, rand.Reader)
	require.NoError(t, err)
	out = b.Handle(t0, Accept{})
	require.NoError(t, out.Err)
	deliver(t, b, a, out)
	require.Equal(t, StateReady, a.State)
	require.Equal(t, StateReady, b.State)
	return a, b
}

// deliver feeds every event in out from one flow to the other and returns
// what the receiver produced.
func deliver(t *testing.T, from, to *Flow, out Outputs) Outputs {
	t.Helper()
	var res Outputs
	for _, ev := range out.Send {
		o := to.Handle(t0, Received{Sender: from.Our.UserID, SenderDevice: from.Our.DeviceID, Type: ev.Type, Content: ev.Content})
		res.Send = append(res.Send, o.Send...)
		if o.SAS != nil {
			res.SAS = o.SAS
		}
		if o.Verified != nil {
			res.Verified = o.Verified
		}
		if o.Cancelled != nil {
			res.Cancelled = o.Cancelled
		}
		res.ConfirmScan = res.ConfirmScan || o.ConfirmScan
	}
	return res
}

// exchangeKeys runs start/accept/key and returns both SAS values.
func exchangeKeys(t *testing.T, a, b *Flow) (SAS, SAS) {
	t.Helper()
	start := a.Handle(t0, StartSAS{})
	accept := deliver(t, a, b, start)
	require.Len(t, accept.Send, 1)
	key := deliver(t, b, a, accept)
	require.Len(t, key.Send, 1)
	bobKey := deliver(t, a, b, key)
	require.NotNil(t, bobKey.SAS)
	last := deliver(t, b, a, bobKey)
	require.NotNil(t, last.SAS)
	require.Equal(t, StateKeySent, a.State)
	require.Equal(t, StateKeySent, b.State)
	return *last.SAS, *bobKey.SAS
}

func TestSAS_FullFlow(t *testing.T) {
	a, b := pair(t)
	sasA, sasB := exchangeKeys(t, a, b)
	assert.Equal(t, sasA, sasB)
	assert.Len(t, sasA.Emoji, 7)
	for _, d := range sasA.Decimal {
		assert.True(t, d >= 1000 && d <= 9191)
	}

	macA := a.Handle(t0, ConfirmSAS{})
	require.Len(t, macA.Send, 1)
	res := deliver(t, a, b, macA)
	assert.Empty(t, res.Send)

	macB := b.Handle(t0, ConfirmSAS{})
	require.Len(t, macB.Send, 2, "mac and done")
	doneA := deliver(t, b, a, macB)
	require.NotNil(t, doneA.Verified)
	assert.Equal(t, StateDone, a.State)
	assert.Equal(t, b.Our.DeviceKey, *doneA.Verified.DeviceKey)
	assert.Equal(t, *b.Our.MasterKey, *doneA.Verified.MasterKey)

	final := deliver(t, a, b, doneA)
	require.NotNil(t, final.Verified)
	assert.Equal(t, StateDone, b.State)
	assert.Equal(t, a.Our.DeviceKey, *final.Verified.DeviceKey)
}

func TestSAS_MACMismatchCancelsWithoutSignature(t *testing.T) {
	a, b := pair(t)
	exchangeKeys(t, a, b)

	macA := a.Handle(t0, ConfirmSAS{})
	mac := macA.Send[0].Content.(*types.VerificationMACContent)
	for kid, v := range mac.MAC {
		raw, err := crypto.DecodeB64(v)
		require.NoError(t, err)
		raw[0] ^= 0x01
		mac.MAC[kid] = crypto.B64(raw)
		break
	}
	res := deliver(t, a, b, macA)
	require.NotNil(t, res.Cancelled)
	assert.Equal(t, types.CancelMismatchedSAS, res.Cancelled.Code)
	assert.Nil(t, res.Verified)
	assert.Equal(t, StateCancelled, b.State)

	// Cancellation is terminal.
	out := b.Handle(t0, ConfirmSAS{})
	assert.Empty(t, out.Send)
	assert.Nil(t, out.Verified)
}

func TestSAS_UserRejects(t *testing.T) {
	a, b := pair(t)
	exchangeKeys(t, a, b)
	out := a.Handle(t0, RejectSAS{})
	require.NotNil(t, out.Cancelled)
	assert.Equal(t, types.CancelMismatchedSAS, out.Cancelled.Code)
	res := deliver(t, a, b, out)
	require.NotNil(t, res.Cancelled)
	assert.False(t, res.Cancelled.ByUs)
	assert.Equal(t, StateCancelled, b.State)
}

func TestFlow_UnexpectedEventsCancel(t *testing.T) {
	a, b := pair(t)
	out := b.Handle(t0, Received{Sender: a.Our.UserID, Content: &types.VerificationKeyContent{TransactionID: "txn1", Key: "AAAA"}})
	require.NotNil(t, out.Cancelled)
	assert.Equal(t, types.CancelUnexpectedMessage, out.Cancelled.Code)

	out = a.Handle(t0, Received{Sender: "@mallory:example.org", Content: &types.VerificationDoneContent{TransactionID: "txn1"}})
	require.NotNil(t, out.Cancelled)
	assert.Equal(t, types.CancelUnexpectedMessage, out.Cancelled.Code)
}

func TestFlow_LocalActionInWrongState(t *testing.T) {
	a, _ := pair(t)
	out := a.Handle(t0, ConfirmSAS{})
	require.Error(t, out.Err)
	assert.Equal(t, StateReady, a.State)
}

func TestFlow_Timeout(t *testing.T) {
	a, _ := pair(t)
	out := a.Handle(t0.Add(DefaultTimeout-time.Second), Tick{})
	assert.Nil(t, out.Cancelled)
	out = a.Handle(t0.Add(DefaultTimeout), Tick{})
	require.NotNil(t, out.Cancelled)
	assert.Equal(t, types.CancelTimeout, out.Cancelled.Code)
	assert.Equal(t, StateCancelled, a.State)
}

func TestFlow_LateEventDoesNotRevive(t *testing.T) {
	alice := newKeys(t, "@alice:example.org", "ALICE")
	bob := newKeys(t, "@bob:example.org", "BOB")
	a, _ := NewOutgoing("txn1", alice, bob, t0, DefaultTimeout, rand.Reader)

	late := t0.Add(DefaultTimeout + time.Hour)
	out := a.Handle(late, Received{Sender: bob.UserID, SenderDevice: bob.DeviceID, Content: &types.VerificationReadyContent{
		FromDevice:    bob.DeviceID,
		Methods:       supportedMethods,
		TransactionID: "txn1",
	}})
	require.NotNil(t, out.Cancelled)
	assert.Equal(t, types.CancelTimeout, out.Cancelled.Code)
	assert.Equal(t, StateCancelled, a.State)

	out = a.Handle(late, Tick{})
	assert.Nil(t, out.Cancelled, "already cancelled")
}

func TestFlow_LocalActionAfterTimeout(t *testing.T) {
	a, _ := pair(t)
	out := a.Handle(t0.Add(DefaultTimeout), StartSAS{})
	require.NotNil(t, out.Cancelled)
	assert.Equal(t, types.CancelTimeout, out.Cancelled.Code)
	assert.Empty(t, a.start)
}

func TestFlow_EventsBoundToOneDevice(t *testing.T) {
	a, b := pair(t)
	start := a.Handle(t0, StartSAS{})
	accept := deliver(t, a, b, start)
	key := deliver(t, b, a, accept)
	require.Len(t, key.Send, 1)

	// Another of Alice's devices injects her key event.
	out := b.Handle(t0, Received{Sender: a.Our.UserID, SenderDevice: "ALICE2", Content: key.Send[0].Content})
	require.NotNil(t, out.Cancelled)
	assert.Equal(t, types.CancelUnexpectedMessage, out.Cancelled.Code)
	assert.Nil(t, out.SAS)
	assert.Equal(t, StateCancelled, b.State)
}

func TestFlow_MACFromOtherDeviceCancels(t *testing.T) {
	a, b := pair(t)
	exchangeKeys(t, a, b)
	mac := a.Handle(t0, ConfirmSAS{})
	require.Len(t, mac.Send, 1)

	out := b.Handle(t0, Received{Sender: a.Our.UserID, SenderDevice: "ALICE2", Content: mac.Send[0].Content})
	require.NotNil(t, out.Cancelled)
	assert.Equal(t, types.CancelUnexpectedMessage, out.Cancelled.Code)
	assert.Nil(t, out.Verified)
}

func TestNewIncoming_StaleRequest(t *testing.T) {
	alice := newKeys(t, "@alice:example.org", "ALICE")
	bob := newKeys(t, "@bob:example.org", "BOB")
	_, out := NewOutgoing("txn1", alice, bob, t0, DefaultTimeout, rand.Reader)
	req := out.Send[0].Content.(*types.VerificationRequestContent)
	_, err := NewIncoming(bob, alice, req, t0.Add(DefaultTimeout+time.Minute), DefaultTimeout, rand.Reader)
	assert.Error(t, err)
}

func TestQR_CrossSigningMode(t *testing.T) {
	a, b := pair(t)
	shown := a.Handle(t0, ShowQR{})
	require.NoError(t, shown.Err)
	require.NotNil(t, shown.QR)
	assert.Equal(t, QRCrossSigning, shown.QR.Mode)

	png, err := shown.QR.PNG(256)
	require.NoError(t, err)
	assert.Equal(t, []byte("\x89PNG"), png[:4])

	scan := b.Handle(t0, ScanQR{Data: shown.QR.Bytes()})
	require.NoError(t, scan.Err)
	require.Nil(t, scan.Cancelled)
	assert.Equal(t, StateConfirmed, b.State)

	res := deliver(t, b, a, scan)
	assert.True(t, res.ConfirmScan)
	assert.Equal(t, StateScanned, a.State)

	done := a.Handle(t0, ConfirmScan{})
	require.NotNil(t, done.Verified)
	assert.Equal(t, *b.Our.MasterKey, *done.Verified.MasterKey)
	assert.Equal(t, StateDone, a.State)

	final := deliver(t, a, b, done)
	require.NotNil(t, final.Verified)
	assert.Equal(t, *a.Our.MasterKey, *final.Verified.MasterKey)
	assert.Equal(t, StateDone, b.State)
}

func TestQR_WrongKeyOrSecret(t *testing.T) {
	a, b := pair(t)
	shown := a.Handle(t0, ShowQR{})
	q, err := ParseQRCode(shown.QR.Bytes())
	require.NoError(t, err)
	q.Key1[0] ^= 0xff
	out := b.Handle(t0, ScanQR{Data: q.Bytes()})
	require.NotNil(t, out.Cancelled)
	assert.Equal(t, types.CancelKeyMismatch, out.Cancelled.Code)

	a2, _ := pair(t)
	a2.Handle(t0, ShowQR{})
	res := a2.Handle(t0, Received{Sender: a2.Their.UserID, Content: &types.VerificationStartContent{
		FromDevice: a2.Their.DeviceID, Method: types.VerificationMethodReciprocate,
		TransactionID: "txn1", Secret: crypto.B64(make([]byte, secretLen)),
	}})
	require.NotNil(t, res.Cancelled)
	assert.Equal(t, types.CancelKeyMismatch, res.Cancelled.Code)
}

func TestParseQRCode_RoundTrip(t *testing.T) {
	q := &QRCode{Mode: QRSelfTrusted, TxnID: "abc", Secret: []byte("0123456789abcdef")}
	q.Key1[0], q.Key2[31] = 1, 2
	got, err := ParseQRCode(q.Bytes())
	require.NoError(t, err)
	assert.Equal(t, q, got)

	_, err = ParseQRCode([]byte("MATRIX\x02\x00"))
	assert.Error(t, err)
}

func TestMakeSAS_KnownBytes(t *testing.T) {
	sas := makeSAS([]byte{0, 0, 0, 0, 0, 0})
	assert.Equal(t, [3]uint16{1000, 1000, 1000}, sas.Decimal)
	for _, e := range sas.Emoji {
		assert.Equal(t, "Dog", e.Description)
	}
	sas = makeSAS([]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff})
	assert.Equal(t, [3]uint16{9191, 9191, 9191}, sas.Decimal)
	assert.Equal(t, "Pin", sas.Emoji[0].Description)
}
