package account

import (
	"cmp"
	"context"
	"crypto/rand"
	"encoding/binary"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"mxcrypt/internal/crypto"
	"mxcrypt/internal/domain"
	"mxcrypt/internal/domain/interfaces"
	"mxcrypt/internal/domain/types"
	"mxcrypt/internal/errs"
	"mxcrypt/internal/metrics"
	"mxcrypt/internal/util/clock"
	"mxcrypt/internal/util/memzero"
)

// DefaultMaxOneTimeKeys is the pool size libolm-compatible servers expect.
const DefaultMaxOneTimeKeys = 100

// Algorithms advertised in our device keys.
var Algorithms = []id.Algorithm{id.AlgorithmOlmV1, id.AlgorithmMegolmV1}

// Service owns the Account record.
type Service struct {
	store   interfaces.Store
	mu      sync.Mutex
	rand    io.Reader
	clock   interfaces.Clock
	maxKeys int
	log     zerolog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithRand replaces the key generator's randomness source.
func WithRand(r io.Reader) Option { return func(s *Service) { s.rand = r } }

// WithClock replaces the wall clock.
func WithClock(c interfaces.Clock) Option { return func(s *Service) { s.clock = c } }

// WithMaxOneTimeKeys caps the number of unused one-time keys kept locally.
func WithMaxOneTimeKeys(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxKeys = n
		}
	}
}

// New returns an account service backed by store.
func New(store interfaces.Store, log zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		store:   store,
		rand:    rand.Reader,
		clock:   clock.System{},
		maxKeys: DefaultMaxOneTimeKeys,
		log:     log.With().Str("component", "account").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MaxOneTimeKeys returns the local pool cap.
func (s *Service) MaxOneTimeKeys() int { return s.maxKeys }

// GenerateIdentity creates the device identity. It fails if one exists.
func (s *Service) GenerateIdentity(ctx context.Context, userID id.UserID, deviceID id.DeviceID) (*domain.Account, error) {
	const op = "account.GenerateIdentity"
	s.mu.Lock()
	defer s.mu.Unlock()

	var acc *domain.Account
	err := s.store.Txn(ctx, func(tx interfaces.Tx) error {
		_, exists, err := tx.Account()
		if err != nil {
			return errs.Storage(op, err)
		}
		if exists {
			return errs.New(errs.CodeAccountExists, op, "account for %s already exists", deviceID)
		}
		xPriv, xPub, err := crypto.GenerateX25519From(s.rand)
		if err != nil {
			return err
		}
		edPriv, edPub, err := crypto.GenerateEd25519From(s.rand)
		if err != nil {
			return err
		}
		acc = &domain.Account{
			UserID:      userID,
			DeviceID:    deviceID,
			Identity:    domain.Identity{XPub: xPub, XPriv: xPriv, EdPub: edPub, EdPriv: edPriv},
			OneTimeKeys: map[string]*domain.OneTimeKey{},
			CreatedAt:   s.clock.Now(),
		}
		return errs.Storage(op, tx.PutAccount(acc))
	})
	if err != nil {
		return nil, err
	}
	s.log.Info().
		Str("user_id", string(userID)).
		Str("device_id", string(deviceID)).
		Str("fingerprint", crypto.DisplayKey(acc.Identity.EdPub.Slice())).
		Msg("Generated device identity")
	return acc, nil
}

// Get loads the account.
func (s *Service) Get(ctx context.Context) (*domain.Account, error) {
	var acc *domain.Account
	err := s.store.View(ctx, func(tx interfaces.ReadTx) error {
		var err error
		acc, err = load(tx, "account.Get")
		return err
	})
	return acc, err
}

// Update runs fn with the account loaded inside a write transaction and
// stores the account afterwards. The account lock is held throughout.
func (s *Service) Update(ctx context.Context, fn func(tx interfaces.Tx, acc *domain.Account) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Txn(ctx, func(tx interfaces.Tx) error {
		acc, err := load(tx, "account.Update")
		if err != nil {
			return err
		}
		if err := fn(tx, acc); err != nil {
			return err
		}
		return errs.Storage("account.Update", tx.PutAccount(acc))
	})
}

func load(tx interfaces.ReadTx, op string) (*domain.Account, error) {
	acc, ok, err := tx.Account()
	if err != nil {
		return nil, errs.Storage(op, err)
	}
	if !ok {
		return nil, errs.New(errs.CodeNoAccount, op, "no account has been created")
	}
	if acc.OneTimeKeys == nil {
		acc.OneTimeKeys = map[string]*domain.OneTimeKey{}
	}
	return acc, nil
}

// GenerateOneTimeKeys adds n unpublished keys to the pool and returns their
// public halves by key id. A generated key that collides with an existing key
// means the randomness source repeats; nothing is stored in that case.
func (s *Service) GenerateOneTimeKeys(ctx context.Context, n int) (map[string]domain.X25519Public, error) {
	const op = "account.GenerateOneTimeKeys"
	if n <= 0 {
		return map[string]domain.X25519Public{}, nil
	}
	out := make(map[string]domain.X25519Public, n)
	err := s.Update(ctx, func(_ interfaces.Tx, acc *domain.Account) error {
		known := knownKeys(acc)
		now := s.clock.Now()
		for i := 0; i < n; i++ {
			k, err := s.newKey(acc, known, now, op)
			if err != nil {
				return err
			}
			acc.OneTimeKeys[k.ID] = k
			out[k.ID] = k.Pub
		}
		s.evictOldest(acc, out)
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.OneTimeKeysGeneratedTotal.Add(float64(n))
	s.log.Debug().Int("count", n).Msg("Generated one-time keys")
	return out, nil
}

// GenerateFallbackKey rotates the fallback key. The previous one is kept so
// late pre-key messages can still be answered.
func (s *Service) GenerateFallbackKey(ctx context.Context) (domain.X25519Public, error) {
	const op = "account.GenerateFallbackKey"
	var pub domain.X25519Public
	err := s.Update(ctx, func(_ interfaces.Tx, acc *domain.Account) error {
		k, err := s.newKey(acc, knownKeys(acc), s.clock.Now(), op)
		if err != nil {
			return err
		}
		k.Fallback = true
		if acc.PrevFallback != nil {
			memzero.Key(&acc.PrevFallback.Priv)
		}
		acc.PrevFallback = acc.Fallback
		acc.Fallback = k
		pub = k.Pub
		return nil
	})
	if err == nil {
		s.log.Debug().Msg("Rotated fallback key")
	}
	return pub, err
}

func (s *Service) newKey(acc *domain.Account, known map[domain.X25519Public]bool, now time.Time, op string) (*domain.OneTimeKey, error) {
	priv, pub, err := crypto.GenerateX25519From(s.rand)
	if err != nil {
		return nil, err
	}
	if known[pub] {
		s.log.Error().Bool("security", true).Msg("Key generator produced a repeated key")
		return nil, errs.New(errs.CodeDeterministicKey, op, "generated key already exists")
	}
	known[pub] = true
	acc.NextKeyID++
	return &domain.OneTimeKey{ID: keyID(acc.NextKeyID), Priv: priv, Pub: pub, CreatedAt: now}, nil
}

// evictOldest drops the oldest unused keys (never ones in keep) once the pool
// exceeds the cap.
func (s *Service) evictOldest(acc *domain.Account, keep map[string]domain.X25519Public) {
	for {
		var (
			oldest *domain.OneTimeKey
			live   int
		)
		for _, k := range acc.OneTimeKeys {
			if k.Used {
				continue
			}
			live++
			if _, fresh := keep[k.ID]; fresh {
				continue
			}
			if oldest == nil || keyNumber(k.ID) < keyNumber(oldest.ID) {
				oldest = k
			}
		}
		if live <= s.maxKeys || oldest == nil {
			return
		}
		memzero.Key(&oldest.Priv)
		delete(acc.OneTimeKeys, oldest.ID)
	}
}

// MarkKeysAsPublished flags every pending key as uploaded and the device
// keys as shared.
func (s *Service) MarkKeysAsPublished(ctx context.Context) error {
	return s.Update(ctx, func(_ interfaces.Tx, acc *domain.Account) error {
		for _, k := range acc.OneTimeKeys {
			k.Published = true
		}
		if acc.Fallback != nil {
			acc.Fallback.Published = true
		}
		acc.Shared = true
		return nil
	})
}

// ClaimOneTimeKey hands out one published key exactly once and records the
// identity key of the claimant. Fallback keys may be claimed repeatedly.
func (s *Service) ClaimOneTimeKey(ctx context.Context, keyID string, claimant domain.X25519Public) (domain.X25519Public, error) {
	const op = "account.ClaimOneTimeKey"
	var pub domain.X25519Public
	err := s.Update(ctx, func(_ interfaces.Tx, acc *domain.Account) error {
		if acc.Fallback != nil && acc.Fallback.ID == keyID && acc.Fallback.Published {
			pub = acc.Fallback.Pub
			return nil
		}
		k, ok := acc.OneTimeKeys[keyID]
		if !ok || !k.Published {
			return errs.New(errs.CodeInvalidInput, op, "no published one-time key %q", keyID)
		}
		if k.Used || k.ClaimedBy != nil {
			return errs.New(errs.CodeKeyAlreadyUsed, op, "one-time key %q was already claimed", keyID)
		}
		c := claimant
		k.ClaimedBy = &c
		pub = k.Pub
		return nil
	})
	result := "ok"
	if err != nil {
		result = string(errs.CodeOf(err))
	}
	metrics.OneTimeKeysClaimedTotal.WithLabelValues(result).Inc()
	return pub, err
}

// UseKey consumes the local key named by a pre-key message on behalf of the
// sender and returns its private half. One-time keys are wiped after use;
// fallback keys stay usable until rotated out.
func UseKey(acc *domain.Account, pub, sender domain.X25519Public) (domain.X25519Private, error) {
	const op = "account.UseKey"
	k, ok := acc.FindKey(pub)
	if !ok {
		return domain.X25519Private{}, errs.New(errs.CodeSessionCreation, op, "unknown one-time key")
	}
	if k.Fallback {
		k.Used = true
		return k.Priv, nil
	}
	if k.Used {
		return domain.X25519Private{}, errs.New(errs.CodeSessionCreation, op, "one-time key already used")
	}
	if k.ClaimedBy != nil && *k.ClaimedBy != sender {
		return domain.X25519Private{}, errs.New(errs.CodeSessionCreation, op, "one-time key claimed by another device")
	}
	priv := k.Priv
	k.Used = true
	memzero.Key(&k.Priv)
	pruneUsed(acc)
	return priv, nil
}

// usedKeyRecords is how many wiped one-time keys are remembered so a second
// pre-key message naming one is reported as a reuse.
const usedKeyRecords = 100

// pruneUsed forgets the oldest used one-time keys beyond usedKeyRecords.
func pruneUsed(acc *domain.Account) {
	var used []*domain.OneTimeKey
	for _, k := range acc.OneTimeKeys {
		if k.Used {
			used = append(used, k)
		}
	}
	if len(used) <= usedKeyRecords {
		return
	}
	slices.SortFunc(used, func(a, b *domain.OneTimeKey) int {
		return cmp.Compare(keyNumber(a.ID), keyNumber(b.ID))
	})
	for _, k := range used[:len(used)-usedKeyRecords] {
		delete(acc.OneTimeKeys, k.ID)
	}
}

// KeysToGenerate returns how many keys to create so the server holds half of
// the local cap.
func (s *Service) KeysToGenerate(serverCount int) int {
	want := s.maxKeys/2 - serverCount
	if want < 0 {
		return 0
	}
	return want
}

// UploadRequest builds the /keys/upload body with everything not yet
// published, or nil when there is nothing to upload.
func (s *Service) UploadRequest(ctx context.Context) (*types.KeysUploadRequest, error) {
	acc, err := s.Get(ctx)
	if err != nil {
		return nil, err
	}
	req := &types.KeysUploadRequest{}
	if !acc.Shared {
		dk, err := signedDeviceKeys(acc)
		if err != nil {
			return nil, err
		}
		req.DeviceKeys = &dk
	}
	for _, k := range acc.OneTimeKeys {
		if k.Published || k.Used {
			continue
		}
		obj, err := signedKey(acc, k)
		if err != nil {
			return nil, err
		}
		if req.OneTimeKeys == nil {
			req.OneTimeKeys = map[id.KeyID]types.KeyObject{}
		}
		req.OneTimeKeys[id.NewKeyID(id.KeyAlgorithmSignedCurve25519, k.ID)] = obj
	}
	if fb := acc.Fallback; fb != nil && !fb.Published {
		obj, err := signedKey(acc, fb)
		if err != nil {
			return nil, err
		}
		req.FallbackKeys = map[id.KeyID]types.KeyObject{
			id.NewKeyID(id.KeyAlgorithmSignedCurve25519, fb.ID): obj,
		}
	}
	if req.DeviceKeys == nil && req.OneTimeKeys == nil && req.FallbackKeys == nil {
		return nil, nil
	}
	return req, nil
}

// DeviceKeys returns our signed device-keys object.
func (s *Service) DeviceKeys(ctx context.Context) (types.DeviceKeys, error) {
	acc, err := s.Get(ctx)
	if err != nil {
		return types.DeviceKeys{}, err
	}
	return signedDeviceKeys(acc)
}

// SignJSON signs v with the device's ed25519 key.
func (s *Service) SignJSON(ctx context.Context, v any) (string, error) {
	acc, err := s.Get(ctx)
	if err != nil {
		return "", err
	}
	return crypto.SignJSON(acc.Identity.EdPriv, v)
}

// Fingerprint returns the display form of the device's ed25519 key.
func (s *Service) Fingerprint(ctx context.Context) (string, error) {
	acc, err := s.Get(ctx)
	if err != nil {
		return "", err
	}
	return crypto.DisplayKey(acc.Identity.EdPub.Slice()), nil
}

func signedDeviceKeys(acc *domain.Account) (types.DeviceKeys, error) {
	dev := domain.Device{
		UserID:      acc.UserID,
		DeviceID:    acc.DeviceID,
		IdentityKey: acc.Identity.XPub,
		SigningKey:  acc.Identity.EdPub,
		Algorithms:  Algorithms,
	}
	dk := dev.DeviceKeys()
	sig, err := crypto.SignJSON(acc.Identity.EdPriv, dk)
	if err != nil {
		return types.DeviceKeys{}, err
	}
	dk.Signatures.Add(acc.UserID, types.DeviceSigningKeyID(acc.DeviceID), sig)
	return dk, nil
}

func signedKey(acc *domain.Account, k *domain.OneTimeKey) (types.KeyObject, error) {
	obj := types.KeyObject{Key: k.Pub.String(), Fallback: k.Fallback}
	sig, err := crypto.SignJSON(acc.Identity.EdPriv, obj)
	if err != nil {
		return types.KeyObject{}, err
	}
	obj.Signatures.Add(acc.UserID, types.DeviceSigningKeyID(acc.DeviceID), sig)
	return obj, nil
}

func knownKeys(acc *domain.Account) map[domain.X25519Public]bool {
	known := map[domain.X25519Public]bool{acc.Identity.XPub: true}
	for _, k := range acc.OneTimeKeys {
		known[k.Pub] = true
	}
	if acc.Fallback != nil {
		known[acc.Fallback.Pub] = true
	}
	if acc.PrevFallback != nil {
		known[acc.PrevFallback.Pub] = true
	}
	return known
}

func keyID(n uint32) string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], n)
	return crypto.B64(b[:])
}

func keyNumber(keyID string) uint32 {
	b, err := crypto.DecodeB64(keyID)
	if err != nil || len(b) != 4 {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}
