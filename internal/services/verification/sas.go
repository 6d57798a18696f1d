package verification

import (
	"crypto/hmac"
	"errors"
	"sort"
	"strings"

	"maunium.net/go/mautrix/id"

	"mxcrypt/internal/crypto"
	"mxcrypt/internal/domain"
	"mxcrypt/internal/domain/types"
)

// Emoji is one entry of the SAS emoji table.
type Emoji struct {
	Symbol      string
	Description string
}

var emojiTable = [64]Emoji{
	{"🐶", "Dog"}, {"🐱", "Cat"}, {"🦁", "Lion"}, {"🐎", "Horse"},
	{"🦄", "Unicorn"}, {"🐷", "Pig"}, {"🐘", "Elephant"}, {"🐰", "Rabbit"},
	{"🐼", "Panda"}, {"🐓", "Rooster"}, {"🐧", "Penguin"}, {"🐢", "Turtle"},
	{"🐟", "Fish"}, {"🐙", "Octopus"}, {"🦋", "Butterfly"}, {"🌷", "Flower"},
	{"🌳", "Tree"}, {"🌵", "Cactus"}, {"🍄", "Mushroom"}, {"🌏", "Globe"},
	{"🌙", "Moon"}, {"☁️", "Cloud"}, {"🔥", "Fire"}, {"🍌", "Banana"},
	{"🍎", "Apple"}, {"🍓", "Strawberry"}, {"🌽", "Corn"}, {"🍕", "Pizza"},
	{"🎂", "Cake"}, {"❤️", "Heart"}, {"😀", "Smiley"}, {"🤖", "Robot"},
	{"🎩", "Hat"}, {"👓", "Glasses"}, {"🔧", "Spanner"}, {"🎅", "Santa"},
	{"👍", "Thumbs Up"}, {"☂️", "Umbrella"}, {"⌛", "Hourglass"}, {"⏰", "Clock"},
	{"🎁", "Gift"}, {"💡", "Light Bulb"}, {"📕", "Book"}, {"✏️", "Pencil"},
	{"📎", "Paperclip"}, {"✂️", "Scissors"}, {"🔒", "Lock"}, {"🔑", "Key"},
	{"🔨", "Hammer"}, {"☎️", "Telephone"}, {"🏁", "Flag"}, {"🚂", "Train"},
	{"🚲", "Bicycle"}, {"✈️", "Aeroplane"}, {"🚀", "Rocket"}, {"🏆", "Trophy"},
	{"⚽", "Ball"}, {"🎸", "Guitar"}, {"🎺", "Trumpet"}, {"🔔", "Bell"},
	{"⚓", "Anchor"}, {"🎧", "Headphones"}, {"📁", "Folder"}, {"📌", "Pin"},
}

// SAS is the short authentication string both users compare.
type SAS struct {
	Emoji   []Emoji
	Decimal [3]uint16
}

func (s SAS) String() string {
	parts := make([]string, 0, len(s.Emoji))
	for _, e := range s.Emoji {
		parts = append(parts, e.Symbol)
	}
	return strings.Join(parts, " ")
}

var errCommitment = errors.New("commitment does not match the start event")

// commitment hashes the accepting side's public key with the canonical start
// content.
func commitment(pub domain.X25519Public, start *types.VerificationStartContent) (string, error) {
	canon, err := crypto.CanonicalJSON(start)
	if err != nil {
		return "", err
	}
	return crypto.B64(crypto.SHA256([]byte(pub.String()), canon)), nil
}

type party struct {
	user   id.UserID
	device id.DeviceID
	key    domain.X25519Public
}

// sasBytes derives the 6 bytes shown as emoji and decimals. The starter's
// details come first in the info string.
func sasBytes(shared []byte, starter, acceptor party, txnID string) []byte {
	info := strings.Join([]string{
		"MATRIX_KEY_VERIFICATION_SAS",
		string(starter.user), string(starter.device), starter.key.String(),
		string(acceptor.user), string(acceptor.device), acceptor.key.String(),
		txnID,
	}, "|")
	return crypto.HKDF(shared, nil, []byte(info), 6)
}

func makeSAS(b []byte) SAS {
	var out SAS
	bits := uint64(0)
	for _, c := range b[:6] {
		bits = bits<<8 | uint64(c)
	}
	for i := 0; i < 7; i++ {
		out.Emoji = append(out.Emoji, emojiTable[(bits>>(48-6*(i+1)))&0x3f])
	}
	out.Decimal[0] = uint16(b[0])<<5 | uint16(b[1])>>3
	out.Decimal[1] = (uint16(b[1])&0x7)<<10 | uint16(b[2])<<2 | uint16(b[3])>>6
	out.Decimal[2] = (uint16(b[3])&0x3f)<<7 | uint16(b[4])>>1
	for i := range out.Decimal {
		out.Decimal[i] += 1000
	}
	return out
}

// macKey derives the HMAC key for one MAC entry (hkdf-hmac-sha256.v2).
func macKey(shared []byte, from, to party, txnID string, keyID string) []byte {
	info := "MATRIX_KEY_VERIFICATION_MAC" +
		string(from.user) + string(from.device) +
		string(to.user) + string(to.device) +
		txnID + keyID
	return crypto.HKDF(shared, nil, []byte(info), 32)
}

func computeMAC(shared []byte, from, to party, txnID, keyID, input string) string {
	return crypto.B64(crypto.HMACSHA256(macKey(shared, from, to, txnID, keyID), []byte(input)))
}

// buildMAC produces the m.key.verification.mac content for keys (key id ->
// base64 public key).
func buildMAC(shared []byte, from, to party, txnID string, keys map[id.KeyID]string) *types.VerificationMACContent {
	out := &types.VerificationMACContent{TransactionID: txnID, MAC: map[id.KeyID]string{}}
	ids := make([]string, 0, len(keys))
	for kid, pub := range keys {
		out.MAC[kid] = computeMAC(shared, from, to, txnID, string(kid), pub)
		ids = append(ids, string(kid))
	}
	sort.Strings(ids)
	out.Keys = computeMAC(shared, from, to, txnID, "KEY_IDS", strings.Join(ids, ","))
	return out
}

// checkMAC verifies mac against the keys we expect the sender to hold and
// returns the ids of the keys it covered. Key ids we do not know are
// ignored, but the KEY_IDS mac must cover exactly the ids sent.
func checkMAC(shared []byte, from, to party, txnID string, mac *types.VerificationMACContent, known map[id.KeyID]string) ([]id.KeyID, bool) {
	ids := make([]string, 0, len(mac.MAC))
	for kid := range mac.MAC {
		ids = append(ids, string(kid))
	}
	sort.Strings(ids)
	want := computeMAC(shared, from, to, txnID, "KEY_IDS", strings.Join(ids, ","))
	if !hmac.Equal([]byte(want), []byte(mac.Keys)) {
		return nil, false
	}
	var covered []id.KeyID
	for _, kid := range ids {
		pub, ok := known[id.KeyID(kid)]
		if !ok {
			continue
		}
		want := computeMAC(shared, from, to, txnID, kid, pub)
		if !hmac.Equal([]byte(want), []byte(mac.MAC[id.KeyID(kid)])) {
			return nil, false
		}
		covered = append(covered, id.KeyID(kid))
	}
	return covered, len(covered) > 0
}
