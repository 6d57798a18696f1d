package types

import (
	"time"

	"maunium.net/go/mautrix/id"
)

// SecretName identifies a shareable secret.
type SecretName string

const (
	SecretMegolmBackup       SecretName = "m.megolm_backup.v1"
	SecretCrossSigningMaster SecretName = "m.cross_signing.master"
	SecretCrossSigningSelf   SecretName = "m.cross_signing.self_signing"
	SecretCrossSigningUser   SecretName = "m.cross_signing.user_signing"
)

// SecretRequest is an outstanding m.secret.request we sent.
type SecretRequest struct {
	RequestID string        `json:"request_id"`
	Name      SecretName    `json:"name"`
	SentTo    []id.DeviceID `json:"sent_to"`
	CreatedAt time.Time     `json:"created_at"`
}

const (
	SecretActionRequest = "request"
	SecretActionCancel  = "request_cancellation"
)

// SecretRequestContent is the m.secret.request payload.
type SecretRequestContent struct {
	Name               SecretName  `json:"name,omitempty"`
	Action             string      `json:"action"`
	RequestingDeviceID id.DeviceID `json:"requesting_device_id"`
	RequestID          string      `json:"request_id"`
}

// SecretSendContent is the m.secret.send payload; it only travels inside Olm.
type SecretSendContent struct {
	RequestID string `json:"request_id"`
	Secret    string `json:"secret"`
}
