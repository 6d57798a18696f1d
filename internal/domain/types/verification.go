package types

import (
	"go.mau.fi/util/jsontime"
	"maunium.net/go/mautrix/id"
)

const (
	VerificationMethodSAS         = "m.sas.v1"
	VerificationMethodQRShow      = "m.qr_code.show.v1"
	VerificationMethodQRScan      = "m.qr_code.scan.v1"
	VerificationMethodReciprocate = "m.reciprocate.v1"

	SASKeyAgreementCurve25519 = "curve25519-hkdf-sha256"
	SASHashSHA256             = "sha256"
	SASMACHKDFHMACSHA256      = "hkdf-hmac-sha256.v2"
	SASModeEmoji              = "emoji"
	SASModeDecimal            = "decimal"
)

// CancelCode is the m.key.verification.cancel code.
type CancelCode string

const (
	CancelUser               CancelCode = "m.user"
	CancelMismatchedSAS      CancelCode = "m.mismatched_sas"
	CancelUnexpectedMessage  CancelCode = "m.unexpected_message"
	CancelTimeout            CancelCode = "m.timeout"
	CancelUnknownMethod      CancelCode = "m.unknown_method"
	CancelKeyMismatch        CancelCode = "m.key_mismatch"
	CancelInvalidMessage     CancelCode = "m.invalid_message"
	CancelUnknownTransaction CancelCode = "m.unknown_transaction"
)

type VerificationRequestContent struct {
	FromDevice    id.DeviceID        `json:"from_device"`
	Methods       []string           `json:"methods"`
	Timestamp     jsontime.UnixMilli `json:"timestamp"`
	TransactionID string             `json:"transaction_id"`
}

type VerificationReadyContent struct {
	FromDevice    id.DeviceID `json:"from_device"`
	Methods       []string    `json:"methods"`
	TransactionID string      `json:"transaction_id"`
}

type VerificationStartContent struct {
	FromDevice                 id.DeviceID `json:"from_device"`
	Method                     string      `json:"method"`
	TransactionID              string      `json:"transaction_id"`
	KeyAgreementProtocols      []string    `json:"key_agreement_protocols,omitempty"`
	Hashes                     []string    `json:"hashes,omitempty"`
	MessageAuthenticationCodes []string    `json:"message_authentication_codes,omitempty"`
	ShortAuthenticationString  []string    `json:"short_authentication_string,omitempty"`
	// Secret is the shared secret echoed back by m.reciprocate.v1.
	Secret string `json:"secret,omitempty"`
}

type VerificationAcceptContent struct {
	TransactionID             string   `json:"transaction_id"`
	Method                    string   `json:"method"`
	KeyAgreementProtocol      string   `json:"key_agreement_protocol"`
	Hash                      string   `json:"hash"`
	MessageAuthenticationCode string   `json:"message_authentication_code"`
	ShortAuthenticationString []string `json:"short_authentication_string"`
	Commitment                string   `json:"commitment"`
}

type VerificationKeyContent struct {
	TransactionID string `json:"transaction_id"`
	Key           string `json:"key"`
}

type VerificationMACContent struct {
	TransactionID string              `json:"transaction_id"`
	MAC           map[id.KeyID]string `json:"mac"`
	Keys          string              `json:"keys"`
}

type VerificationCancelContent struct {
	TransactionID string     `json:"transaction_id"`
	Code          CancelCode `json:"code"`
	Reason        string     `json:"reason"`
}

type VerificationDoneContent struct {
	TransactionID string `json:"transaction_id"`
}
