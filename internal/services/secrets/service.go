package secrets

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"mxcrypt/internal/domain"
	"mxcrypt/internal/domain/interfaces"
	"mxcrypt/internal/domain/types"
	"mxcrypt/internal/errs"
	"mxcrypt/internal/metrics"
	"mxcrypt/internal/util/clock"
)

// DeviceEncryptor wraps an event in Olm for one device.
type DeviceEncryptor interface {
	EncryptEvent(ctx context.Context, device *domain.Device, evType types.EventType, content any) (*types.EncryptedOlmContent, error)
}

// TrustEvaluator computes device verdicts.
type TrustEvaluator interface {
	DeviceTrust(ctx context.Context, d *domain.Device) (types.DeviceVerdict, error)
}

// Validator checks (and may store elsewhere) a received secret before it is
// kept.
type Validator func(ctx context.Context, value string) error

// Service answers and sends secret requests.
type Service struct {
	store      interfaces.Store
	olm        DeviceEncryptor
	trust      TrustEvaluator
	user       id.UserID
	device     id.DeviceID
	validators map[types.SecretName]Validator
	clock      interfaces.Clock
	log        zerolog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithValidator registers the check for one secret name.
func WithValidator(name types.SecretName, v Validator) Option {
	return func(s *Service) { s.validators[name] = v }
}

// WithClock replaces the wall clock.
func WithClock(c interfaces.Clock) Option { return func(s *Service) { s.clock = c } }

// New returns a secret sharing service for the device acc.
func New(store interfaces.Store, acc *domain.Account, olm DeviceEncryptor, trust TrustEvaluator, log zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		store:      store,
		olm:        olm,
		trust:      trust,
		user:       acc.UserID,
		device:     acc.DeviceID,
		validators: map[types.SecretName]Validator{},
		clock:      clock.System{},
		log:        log.With().Str("component", "secrets").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns a stored secret.
func (s *Service) Get(ctx context.Context, name types.SecretName) (string, bool, error) {
	var val []byte
	var ok bool
	err := s.store.View(ctx, func(tx interfaces.ReadTx) error {
		var err error
		val, ok, err = tx.Secret(name)
		return errs.Storage("secrets.Get", err)
	})
	return string(val), ok, err
}

// Request records an outgoing request for name and returns the content to
// send to all of our other devices.
func (s *Service) Request(ctx context.Context, name types.SecretName) (*types.SecretRequestContent, error) {
	req := &types.SecretRequest{RequestID: uuid.NewString(), Name: name, CreatedAt: s.clock.Now()}
	err := s.store.Txn(ctx, func(tx interfaces.Tx) error {
		return errs.Storage("secrets.Request", tx.PutSecretRequest(req))
	})
	if err != nil {
		return nil, err
	}
	s.log.Info().Str("name", string(name)).Str("request_id", req.RequestID).Msg("Requesting secret")
	return &types.SecretRequestContent{
		Name:               name,
		Action:             types.SecretActionRequest,
		RequestingDeviceID: s.device,
		RequestID:          req.RequestID,
	}, nil
}

// Reply is an encrypted m.secret.send for one device.
type Reply struct {
	UserID   id.UserID
	DeviceID id.DeviceID
	Content  *types.EncryptedOlmContent
}

// HandleRequest answers a received m.secret.request. It returns nil when
// the request is not honoured.
func (s *Service) HandleRequest(ctx context.Context, sender id.UserID, req *types.SecretRequestContent) (*Reply, error) {
	const op = "secrets.HandleRequest"
	if req.Action != types.SecretActionRequest || req.RequestingDeviceID == s.device {
		return nil, nil
	}
	log := s.log.With().Str("name", string(req.Name)).Str("request_id", req.RequestID).
		Str("user_id", string(sender)).Str("device_id", string(req.RequestingDeviceID)).Logger()
	if sender != s.user {
		log.Warn().Bool("security", true).Msg("Ignoring secret request from another user")
		return nil, nil
	}

	var device *domain.Device
	var secret []byte
	err := s.store.View(ctx, func(tx interfaces.ReadTx) error {
		d, ok, err := tx.Device(sender, req.RequestingDeviceID)
		if err != nil || !ok || d.Deleted {
			return errs.Storage(op, err)
		}
		device = d
		val, ok, err := tx.Secret(req.Name)
		if ok {
			secret = val
		}
		return errs.Storage(op, err)
	})
	if err != nil {
		return nil, err
	}
	if device == nil {
		log.Debug().Msg("Ignoring secret request from unknown device")
		return nil, nil
	}
	verdict, err := s.trust.DeviceTrust(ctx, device)
	if err != nil {
		return nil, err
	}
	if !verdict.Trusted() {
		log.Warn().Bool("security", true).Msg("Ignoring secret request from untrusted device")
		metrics.SecurityEventsTotal.WithLabelValues("secret_request_untrusted").Inc()
		return nil, nil
	}
	if secret == nil {
		log.Debug().Msg("Requested secret is not stored here")
		return nil, nil
	}

	content, err := s.olm.EncryptEvent(ctx, device, types.EventSecretSend, &types.SecretSendContent{
		RequestID: req.RequestID,
		Secret:    string(secret),
	})
	if err != nil {
		return nil, err
	}
	log.Info().Msg("Sharing secret with own device")
	return &Reply{UserID: sender, DeviceID: device.DeviceID, Content: content}, nil
}

// HandleSend stores a secret received over Olm. On success it returns the
// cancellation to send to our other devices.
func (s *Service) HandleSend(ctx context.Context, ev *types.DecryptedToDevice) (types.SecretName, *types.SecretRequestContent, error) {
	const op = "secrets.HandleSend"
	if ev.Payload.Type != types.EventSecretSend {
		return "", nil, errs.New(errs.CodeInvalidInput, op, "unexpected event type %s", ev.Payload.Type)
	}
	var content types.SecretSendContent
	if err := json.Unmarshal(ev.Payload.Content, &content); err != nil {
		return "", nil, errs.Wrap(errs.CodeInvalidInput, op, err)
	}
	log := s.log.With().Str("request_id", content.RequestID).Str("sender_key", ev.SenderKey.String()).Logger()
	if ev.Sender != s.user {
		log.Warn().Bool("security", true).Str("user_id", string(ev.Sender)).Msg("Dropping secret sent by another user")
		return "", nil, errs.New(errs.CodeNotTrusted, op, "secret sent by %s", ev.Sender)
	}

	var device *domain.Device
	var req *types.SecretRequest
	err := s.store.View(ctx, func(tx interfaces.ReadTx) error {
		d, ok, err := tx.DeviceByIdentityKey(ev.SenderKey)
		if err != nil {
			return errs.Storage(op, err)
		}
		if ok && d.UserID == s.user && !d.Deleted {
			device = d
		}
		r, ok, err := tx.SecretRequest(content.RequestID)
		if ok {
			req = r
		}
		return errs.Storage(op, err)
	})
	if err != nil {
		return "", nil, err
	}
	if req == nil {
		log.Warn().Bool("security", true).Msg("Dropping unsolicited secret")
		metrics.SecurityEventsTotal.WithLabelValues("secret_unsolicited").Inc()
		return "", nil, errs.New(errs.CodeInvalidInput, op, "no outstanding request %s", content.RequestID)
	}
	if device == nil {
		log.Warn().Bool("security", true).Msg("Dropping secret from unknown device")
		return "", nil, errs.New(errs.CodeUnknownDevice, op, "secret from unknown device")
	}
	verdict, err := s.trust.DeviceTrust(ctx, device)
	if err != nil {
		return "", nil, err
	}
	if !verdict.Trusted() {
		log.Warn().Bool("security", true).Str("device_id", string(device.DeviceID)).Msg("Dropping secret from untrusted device")
		return "", nil, errs.New(errs.CodeNotTrusted, op, "secret from untrusted device %s", device.DeviceID)
	}
	if v := s.validators[req.Name]; v != nil {
		if err := v(ctx, content.Secret); err != nil {
			log.Warn().Err(err).Str("name", string(req.Name)).Msg("Received secret failed validation")
			return "", nil, err
		}
	}

	err = s.store.Txn(ctx, func(tx interfaces.Tx) error {
		if err := tx.PutSecret(req.Name, []byte(content.Secret)); err != nil {
			return errs.Storage(op, err)
		}
		return errs.Storage(op, tx.DeleteSecretRequest(req.RequestID))
	})
	if err != nil {
		return "", nil, err
	}
	log.Info().Str("name", string(req.Name)).Str("device_id", string(device.DeviceID)).Msg("Received secret")
	return req.Name, &types.SecretRequestContent{
		Action:             types.SecretActionCancel,
		RequestingDeviceID: s.device,
		RequestID:          req.RequestID,
	}, nil
}
