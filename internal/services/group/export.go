package group

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"strings"

	"golang.org/x/crypto/pbkdf2"
	"maunium.net/go/mautrix/id"

	"mxcrypt/internal/domain"
	"mxcrypt/internal/domain/interfaces"
	"mxcrypt/internal/domain/types"
	"mxcrypt/internal/errs"
	"mxcrypt/internal/protocol/megolm"
)

const (
	exportHeader  = "-----BEGIN MEGOLM SESSION DATA-----"
	exportFooter  = "-----END MEGOLM SESSION DATA-----"
	exportVersion = 0x01
	exportRounds  = 500000
	exportLineLen = 96
)

// Export returns the session in key-export form, starting at index.
func Export(sess *domain.InboundGroupSession, index uint32) (*types.ExportedSession, error) {
	key, err := megolm.ExportKey(sess, index)
	if err != nil {
		return nil, errs.Wrap(errs.CodeMessageIndexTooOld, "group.Export", err)
	}
	chain := sess.ForwardingChain
	if chain == nil {
		chain = []string{}
	}
	return &types.ExportedSession{
		Algorithm:                    id.AlgorithmMegolmV1,
		ForwardingCurve25519KeyChain: chain,
		RoomID:                       sess.RoomID,
		SenderKey:                    sess.SenderKey.Curve25519(),
		SenderClaimedKeys:            map[string]string{string(id.KeyAlgorithmEd25519): sess.SenderClaimedKey.String()},
		SessionID:                    sess.ID,
		SessionKey:                   key,
	}, nil
}

// ExportAll exports every stored inbound session at its first known index.
func (s *Service) ExportAll(ctx context.Context) ([]*types.ExportedSession, error) {
	var list []*domain.InboundGroupSession
	err := s.store.View(ctx, func(tx interfaces.ReadTx) error {
		var err error
		list, err = tx.AllInboundGroupSessions()
		return errs.Storage("group.ExportAll", err)
	})
	if err != nil {
		return nil, err
	}
	out := make([]*types.ExportedSession, 0, len(list))
	for _, sess := range list {
		exp, err := Export(sess, sess.FirstKnownIndex())
		if err != nil {
			return nil, err
		}
		out = append(out, exp)
	}
	return out, nil
}

// ImportResult counts the outcome of an import.
type ImportResult struct {
	Imported int
	Failed   int
}

// ImportAll imports every session, continuing past individual failures.
func (s *Service) ImportAll(ctx context.Context, sessions []*types.ExportedSession) ImportResult {
	var res ImportResult
	for _, exp := range sessions {
		if err := s.ImportSession(ctx, exp); err != nil {
			s.log.Warn().Err(err).Str("session_id", string(exp.SessionID)).Msg("Failed to import session")
			res.Failed++
			continue
		}
		res.Imported++
	}
	return res
}

// EncryptExport seals sessions into the passphrase-protected Matrix key
// export file format.
func EncryptExport(passphrase string, sessions []*types.ExportedSession) ([]byte, error) {
	return encryptExport(passphrase, sessions, exportRounds)
}

func encryptExport(passphrase string, sessions []*types.ExportedSession, rounds uint32) ([]byte, error) {
	const op = "group.EncryptExport"
	plain, err := json.Marshal(sessions)
	if err != nil {
		return nil, errs.Wrap(errs.CodeInvalidInput, op, err)
	}
	var salt, iv [16]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return nil, err
	}
	if _, err := rand.Read(iv[:]); err != nil {
		return nil, err
	}
	// clear bit 63 so the counter cannot wrap
	iv[8] &= 0x7f
	aesKey, hmacKey := exportKeys(passphrase, salt[:], rounds)

	var buf bytes.Buffer
	buf.WriteByte(exportVersion)
	buf.Write(salt[:])
	buf.Write(iv[:])
	_ = binary.Write(&buf, binary.BigEndian, rounds)
	ct, err := ctr(aesKey, iv[:], plain)
	if err != nil {
		return nil, err
	}
	buf.Write(ct)
	mac := hmac.New(sha256.New, hmacKey)
	mac.Write(buf.Bytes())
	buf.Write(mac.Sum(nil))

	return armor(buf.Bytes()), nil
}

// DecryptExport opens a key export file.
func DecryptExport(passphrase string, data []byte) ([]*types.ExportedSession, error) {
	const op = "group.DecryptExport"
	raw, err := dearmor(data)
	if err != nil {
		return nil, errs.Wrap(errs.CodeInvalidInput, op, err)
	}
	if len(raw) < 1+16+16+4+32 || raw[0] != exportVersion {
		return nil, errs.New(errs.CodeInvalidInput, op, "not a supported key export")
	}
	salt, iv := raw[1:17], raw[17:33]
	rounds := binary.BigEndian.Uint32(raw[33:37])
	body, sum := raw[:len(raw)-32], raw[len(raw)-32:]
	aesKey, hmacKey := exportKeys(passphrase, salt, rounds)
	mac := hmac.New(sha256.New, hmacKey)
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), sum) {
		return nil, errs.New(errs.CodeDecryption, op, "wrong passphrase or corrupted export")
	}
	plain, err := ctr(aesKey, iv, body[37:])
	if err != nil {
		return nil, err
	}
	var out []*types.ExportedSession
	if err := json.Unmarshal(plain, &out); err != nil {
		return nil, errs.Wrap(errs.CodeInvalidInput, op, err)
	}
	return out, nil
}

func exportKeys(passphrase string, salt []byte, rounds uint32) (aesKey, hmacKey []byte) {
	k := pbkdf2.Key([]byte(passphrase), salt, int(rounds), 64, sha512.New)
	return k[:32], k[32:]
}

func ctr(key, iv, in []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(in))
	cipher.NewCTR(block, iv).XORKeyStream(out, in)
	return out, nil
}

func armor(raw []byte) []byte {
	enc := base64.StdEncoding.EncodeToString(raw)
	var b strings.Builder
	b.WriteString(exportHeader + "\n")
	for len(enc) > exportLineLen {
		b.WriteString(enc[:exportLineLen] + "\n")
		enc = enc[exportLineLen:]
	}
	b.WriteString(enc + "\n")
	b.WriteString(exportFooter + "\n")
	return []byte(b.String())
}

func dearmor(data []byte) ([]byte, error) {
	text := strings.TrimSpace(string(data))
	text = strings.TrimPrefix(text, exportHeader)
	text = strings.TrimSuffix(text, exportFooter)
	text = strings.Join(strings.Fields(text), "")
	return base64.StdEncoding.DecodeString(text)
}
