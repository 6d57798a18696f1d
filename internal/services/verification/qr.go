package verification

import (
	"bytes"
	"encoding/binary"
	"errors"

	"github.com/skip2/go-qrcode"

	"mxcrypt/internal/domain"
)

// QRMode says which keys a QR code carries.
type QRMode byte

const (
	// QRCrossSigning verifies another user: key1 is the displayer's master
	// key, key2 the scanner's master key as the displayer sees it.
	QRCrossSigning QRMode = 0x00
	// QRSelfTrusted is shown by a device that trusts the master key: key1 is
	// the master key, key2 the other device's key.
	QRSelfTrusted QRMode = 0x01
	// QRSelfUntrusted is shown by a device that does not trust the master
	// key yet: key1 is its device key, key2 the master key.
	QRSelfUntrusted QRMode = 0x02
)

const (
	qrPrefix  = "MATRIX"
	qrVersion = 0x02
	// secretLen is the length of the shared secret a displayer generates.
	secretLen = 16
)

var errBadQR = errors.New("malformed verification QR code")

// QRCode is the decoded payload of a verification QR code.
type QRCode struct {
	Mode   QRMode
	TxnID  string
	Key1   [32]byte
	Key2   [32]byte
	Secret []byte
}

// Bytes encodes the payload.
func (q *QRCode) Bytes() []byte {
	var buf bytes.Buffer
	buf.WriteString(qrPrefix)
	buf.WriteByte(qrVersion)
	buf.WriteByte(byte(q.Mode))
	_ = binary.Write(&buf, binary.BigEndian, uint16(len(q.TxnID)))
	buf.WriteString(q.TxnID)
	buf.Write(q.Key1[:])
	buf.Write(q.Key2[:])
	buf.Write(q.Secret)
	return buf.Bytes()
}

// PNG renders the payload as a QR code image of size pixels.
func (q *QRCode) PNG(size int) ([]byte, error) {
	return qrcode.Encode(string(q.Bytes()), qrcode.Low, size)
}

// ParseQRCode decodes a scanned payload.
func ParseQRCode(data []byte) (*QRCode, error) {
	head := len(qrPrefix) + 4
	if len(data) < head || string(data[:len(qrPrefix)]) != qrPrefix || data[len(qrPrefix)] != qrVersion {
		return nil, errBadQR
	}
	q := &QRCode{Mode: QRMode(data[len(qrPrefix)+1])}
	if q.Mode > QRSelfUntrusted {
		return nil, errBadQR
	}
	n := int(binary.BigEndian.Uint16(data[len(qrPrefix)+2:]))
	rest := data[head:]
	if len(rest) < n+64+8 {
		return nil, errBadQR
	}
	q.TxnID = string(rest[:n])
	copy(q.Key1[:], rest[n:n+32])
	copy(q.Key2[:], rest[n+32:n+64])
	q.Secret = append([]byte(nil), rest[n+64:]...)
	return q, nil
}

func ed(k domain.Ed25519Public) [32]byte { return [32]byte(k) }
