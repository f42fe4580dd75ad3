package mediator

import (
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/trace-labs/didtrace/messaging"
)

// Envelope media types.
const (
	typEncrypted = "application/didcomm-encrypted+json"
	typSigned    = "application/didcomm-signed+json"
)

// envelope is the encrypted wire form: a flattened JWE with a single
// recipient, sealed with an ephemeral X25519 key agreement and
// XChaCha20-Poly1305.
type envelope struct {
	Protected  string `json:"protected"`
	IV         string `json:"iv"`
	Ciphertext string `json:"ciphertext"`
	Tag        string `json:"tag"`
}

// envelopeHeader is the protected JWE header.
type envelopeHeader struct {
	Alg string `json:"alg"`
	Enc string `json:"enc"`
	Typ string `json:"typ"`

	// EPK is the base64url ephemeral public key of this envelope.
	EPK string `json:"epk"`

	// SKID names the sender when the envelope is authenticated;
	// absent for anonymous envelopes (e.g. forwards to the mediator).
	SKID string `json:"skid,omitempty"`

	// KID names the recipient key the envelope is sealed for.
	KID string `json:"kid"`
}

// signedMessage is the signed wire form: a flattened JWS over the
// plaintext message.
type signedMessage struct {
	Payload   string          `json:"payload"`
	Signature string          `json:"signature"`
	Header    signatureHeader `json:"header"`
}

type signatureHeader struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
	KID string `json:"kid"`
}

var b64 = base64.RawURLEncoding

// seal encrypts plaintext for the recipient key, optionally naming the
// sender in the protected header.
func seal(plaintext, recipientKey []byte, recipientKID, senderKID string) ([]byte, error) {
	ephSecret := make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(rand.Reader, ephSecret); err != nil {
		return nil, fmt.Errorf("generating ephemeral key: %w", err)
	}
	ephPublic, err := curve25519.X25519(ephSecret, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("deriving ephemeral public key: %w", err)
	}

	shared, err := curve25519.X25519(ephSecret, recipientKey)
	if err != nil {
		return nil, fmt.Errorf("key agreement: %w", err)
	}

	header := envelopeHeader{
		Alg:  "ECDH-ES",
		Enc:  "XC20P",
		Typ:  typEncrypted,
		EPK:  b64.EncodeToString(ephPublic),
		SKID: senderKID,
		KID:  recipientKID,
	}
	protected, err := json.Marshal(header)
	if err != nil {
		return nil, err
	}
	protectedB64 := b64.EncodeToString(protected)

	aead, err := contentCipher(shared)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	// The protected header is the additional authenticated data.
	sealed := aead.Seal(nil, nonce, plaintext, []byte(protectedB64))
	tagStart := len(sealed) - aead.Overhead()

	return json.Marshal(envelope{
		Protected:  protectedB64,
		IV:         b64.EncodeToString(nonce),
		Ciphertext: b64.EncodeToString(sealed[:tagStart]),
		Tag:        b64.EncodeToString(sealed[tagStart:]),
	})
}

// open decrypts an envelope with the recipient's secret key and
// returns the plaintext and the protected header.
func open(data, recipientSecret []byte) ([]byte, envelopeHeader, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, envelopeHeader{}, fmt.Errorf("parsing envelope: %w", err)
	}

	protected, err := b64.DecodeString(env.Protected)
	if err != nil {
		return nil, envelopeHeader{}, fmt.Errorf("decoding protected header: %w", err)
	}
	var header envelopeHeader
	if err := json.Unmarshal(protected, &header); err != nil {
		return nil, envelopeHeader{}, fmt.Errorf("parsing protected header: %w", err)
	}

	ephPublic, err := b64.DecodeString(header.EPK)
	if err != nil {
		return nil, envelopeHeader{}, fmt.Errorf("decoding ephemeral key: %w", err)
	}
	shared, err := curve25519.X25519(recipientSecret, ephPublic)
	if err != nil {
		return nil, envelopeHeader{}, fmt.Errorf("key agreement: %w", err)
	}

	aead, err := contentCipher(shared)
	if err != nil {
		return nil, envelopeHeader{}, err
	}

	nonce, err := b64.DecodeString(env.IV)
	if err != nil {
		return nil, envelopeHeader{}, fmt.Errorf("decoding iv: %w", err)
	}
	ciphertext, err := b64.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, envelopeHeader{}, fmt.Errorf("decoding ciphertext: %w", err)
	}
	tag, err := b64.DecodeString(env.Tag)
	if err != nil {
		return nil, envelopeHeader{}, fmt.Errorf("decoding tag: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce, append(ciphertext, tag...), []byte(env.Protected))
	if err != nil {
		return nil, envelopeHeader{}, fmt.Errorf("decrypting envelope: %w", err)
	}
	return plaintext, header, nil
}

// contentCipher derives the content encryption key from the agreed
// secret and returns the AEAD.
func contentCipher(shared []byte) (cipher.AEAD, error) {
	kdf := hkdf.New(sha256.New, shared, nil, []byte("didtrace-xc20p"))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("deriving content key: %w", err)
	}
	return chacha20poly1305.NewX(key)
}

// sign wraps plaintext message bytes in a flattened JWS.
func sign(plaintext []byte, key ed25519.PrivateKey, kid string) ([]byte, error) {
	payload := b64.EncodeToString(plaintext)
	sig := ed25519.Sign(key, []byte(payload))
	return json.Marshal(signedMessage{
		Payload:   payload,
		Signature: b64.EncodeToString(sig),
		Header: signatureHeader{
			Alg: "EdDSA",
			Typ: typSigned,
			KID: kid,
		},
	})
}

// verify checks a flattened JWS and returns the payload bytes.
func verify(data []byte, key ed25519.PublicKey) ([]byte, error) {
	var signed signedMessage
	if err := json.Unmarshal(data, &signed); err != nil {
		return nil, fmt.Errorf("parsing signed message: %w", err)
	}
	sig, err := b64.DecodeString(signed.Signature)
	if err != nil {
		return nil, fmt.Errorf("decoding signature: %w", err)
	}
	if !ed25519.Verify(key, []byte(signed.Payload), sig) {
		return nil, fmt.Errorf("signature verification failed for %s", signed.Header.KID)
	}
	return b64.DecodeString(signed.Payload)
}

// maybeSigned unwraps a JWS layer when present, returning the inner
// plaintext message bytes.
func maybeSigned(plaintext []byte) ([]byte, string) {
	var signed signedMessage
	if err := json.Unmarshal(plaintext, &signed); err == nil && signed.Signature != "" {
		if payload, err := b64.DecodeString(signed.Payload); err == nil {
			return payload, signed.Header.KID
		}
	}
	return plaintext, ""
}

// parseMessage decodes plaintext bytes into a messaging.Message.
func parseMessage(plaintext []byte) (messaging.Message, error) {
	var msg messaging.Message
	if err := json.Unmarshal(plaintext, &msg); err != nil {
		return messaging.Message{}, fmt.Errorf("parsing message: %w", err)
	}
	return msg, nil
}
