package kms

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/TrigintaFaces/excalibur/pkg/excerrors"
)

// deriveDataKey derives a 32-byte envelope data key from a key
// version's master secret via HKDF-SHA256 (SPEC_FULL §4.11), one
// derivation per (keyId, version, tenantId) triple so EncryptedData
// never stores a data key in the clear. Grounded on the teacher's
// governance.Keyring.DeriveForTenant (HKDF-SHA256 over a master seed
// with tenant id as the info parameter).
func deriveDataKey(masterKey []byte, keyID string, version int, tenantID string) ([]byte, error) {
	info := []byte(fmt.Sprintf("excalibur-kms:%s:%d:%s", keyID, version, tenantID))
	r := hkdf.New(sha256.New, masterKey, []byte("excalibur-envelope-kdf"), info)
	dataKey := make([]byte, 32)
	if _, err := io.ReadFull(r, dataKey); err != nil {
		return nil, fmt.Errorf("kms: hkdf derive data key: %w", err)
	}
	return dataKey, nil
}

// Encrypt envelope-encrypts plaintext under keyId's Active version
// (spec §4.11: "only Active keys encrypt").
func (m *Manager) Encrypt(keyID, tenantID string, plaintext, associatedData []byte) (*EncryptedData, error) {
	record, ok := m.activeKeyFor(keyID)
	if !ok {
		return nil, fmt.Errorf("%w: no active key %q", excerrors.ErrKeyNotFound, keyID)
	}

	dataKey, err := deriveDataKey(record.raw, keyID, record.meta.Version, tenantID)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(dataKey)
	if err != nil {
		return nil, fmt.Errorf("kms: aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("kms: gcm: %w", err)
	}

	iv := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("kms: generate iv: %w", err)
	}

	sealed := gcm.Seal(nil, iv, plaintext, associatedData)
	tagStart := len(sealed) - gcm.Overhead()

	return &EncryptedData{
		Ciphertext:     sealed[:tagStart],
		KeyID:          keyID,
		KeyVersion:     record.meta.Version,
		Algorithm:      record.meta.Algorithm,
		IV:             iv,
		AuthTag:        sealed[tagStart:],
		AssociatedData: associatedData,
		TenantID:       tenantID,
		EncryptedAt:    m.clock.Now().UTC(),
	}, nil
}

// Decrypt reverses Encrypt. Any version still Active or DecryptOnly
// may decrypt (spec §3: "Active+DecryptOnly decrypt").
func (m *Manager) Decrypt(data *EncryptedData) ([]byte, error) {
	raw, meta, ok := m.rawKeyFor(data.KeyID, data.KeyVersion)
	if !ok {
		return nil, fmt.Errorf("%w: %s v%d", excerrors.ErrKeyNotFound, data.KeyID, data.KeyVersion)
	}
	if meta.Status != StatusActive && meta.Status != StatusDecryptOnly {
		return nil, fmt.Errorf("%w: %s v%d has status %s, cannot decrypt", excerrors.ErrPermanent, data.KeyID, data.KeyVersion, meta.Status)
	}

	dataKey, err := deriveDataKey(raw, data.KeyID, data.KeyVersion, data.TenantID)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(dataKey)
	if err != nil {
		return nil, fmt.Errorf("kms: aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("kms: gcm: %w", err)
	}

	sealed := append(append([]byte{}, data.Ciphertext...), data.AuthTag...)
	plaintext, err := gcm.Open(nil, data.IV, sealed, data.AssociatedData)
	if err != nil {
		return nil, fmt.Errorf("kms: decrypt: %w", err)
	}
	return plaintext, nil
}

// encryptedDataFormatVersion is the fixed-offset format version written
// at offset 4..7 of the EXCR frame (spec §6). There is one format to
// date; a reader rejecting an unrecognized version is how a future
// incompatible layout would be introduced without breaking old data.
const encryptedDataFormatVersion uint32 = 1

// MarshalBinary serializes EncryptedData to the EXCR wire format (spec
// §6): 4-byte magic, 4-byte BE format version, 8-byte BE encryptedAt
// (unix milliseconds), then length-prefixed fields in the documented
// order (keyId, keyVersion, algorithm, iv, authTag, associatedData,
// ciphertext). tenantId is carried as a trailing length-prefixed field
// since spec §6 lists it in the data model but not in the fixed frame
// layout.
func (d *EncryptedData) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(magicPrefix[:])
	writeUint32(&buf, encryptedDataFormatVersion)
	writeUint64(&buf, uint64(d.EncryptedAt.UnixMilli()))

	writeString(&buf, d.KeyID)
	writeInt32(&buf, int32(d.KeyVersion))
	writeString(&buf, string(d.Algorithm))
	writeBytes(&buf, d.IV)
	writeBytes(&buf, d.AuthTag)
	writeBytes(&buf, d.AssociatedData)
	writeBytes(&buf, d.Ciphertext)
	writeString(&buf, d.TenantID)

	return buf.Bytes(), nil
}

// UnmarshalEncryptedData parses the EXCR wire format produced by
// MarshalBinary.
func UnmarshalEncryptedData(b []byte) (*EncryptedData, error) {
	if len(b) < 4 || !bytes.Equal(b[:4], magicPrefix[:]) {
		return nil, fmt.Errorf("kms: missing EXCR magic prefix")
	}
	if len(b) < 16 {
		return nil, fmt.Errorf("kms: EXCR frame shorter than fixed header")
	}
	version := binary.BigEndian.Uint32(b[4:8])
	if version != encryptedDataFormatVersion {
		return nil, fmt.Errorf("kms: unsupported EXCR format version %d", version)
	}
	encryptedAtMs := binary.BigEndian.Uint64(b[8:16])

	r := bytes.NewReader(b[16:])

	keyID, err := readString(r)
	if err != nil {
		return nil, err
	}
	keyVersion, err := readInt32(r)
	if err != nil {
		return nil, err
	}
	algorithm, err := readString(r)
	if err != nil {
		return nil, err
	}
	iv, err := readBytes(r)
	if err != nil {
		return nil, err
	}
	authTag, err := readBytes(r)
	if err != nil {
		return nil, err
	}
	associatedData, err := readBytes(r)
	if err != nil {
		return nil, err
	}
	ciphertext, err := readBytes(r)
	if err != nil {
		return nil, err
	}
	tenantID, err := readString(r)
	if err != nil {
		return nil, err
	}

	return &EncryptedData{
		Ciphertext:     ciphertext,
		KeyID:          keyID,
		KeyVersion:     int(keyVersion),
		Algorithm:      Algorithm(algorithm),
		IV:             iv,
		AuthTag:        authTag,
		AssociatedData: associatedData,
		TenantID:       tenantID,
		EncryptedAt:    unixMilliToTime(int64(encryptedAtMs)),
	}, nil
}

func writeString(buf *bytes.Buffer, s string) { writeBytes(buf, []byte(s)) }

func writeBytes(buf *bytes.Buffer, b []byte) {
	writeInt32(buf, int32(len(b)))
	buf.Write(b)
}

func writeInt32(buf *bytes.Buffer, v int32) {
	writeUint32(buf, uint32(v))
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	buf.Write(tmp[:])
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	buf.Write(tmp[:])
}

func readString(r *bytes.Reader) (string, error) {
	b, err := readBytes(r)
	return string(b), err
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	n, err := readInt32(r)
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, fmt.Errorf("kms: negative length prefix")
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, fmt.Errorf("kms: read EXCR field: %w", err)
	}
	return b, nil
}

func readInt32(r *bytes.Reader) (int32, error) {
	var tmp [4]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return 0, fmt.Errorf("kms: read EXCR length prefix: %w", err)
	}
	return int32(binary.BigEndian.Uint32(tmp[:])), nil
}

func unixMilliToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
