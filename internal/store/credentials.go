package store

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/chuanqiongzhr/eve-service/internal/credential"
	"github.com/chuanqiongzhr/eve-service/internal/principal"
)

// ErrEncryptionKeyNotSet is returned by every CredentialRepo operation when
// no key was configured.
var ErrEncryptionKeyNotSet = errors.New("store: credential encryption key not set")

const keyLen = 32

// Compile-time interface satisfaction check.
var _ credential.Store = (*CredentialRepo)(nil)

// CredentialRepo is a credential.Store in the same database as the records.
// Each credential is JSON-encoded and sealed with AES-256-GCM before write.
type CredentialRepo struct {
	s   *Store
	key []byte // nil disables the repo
}

// NewCredentialRepo returns a repo sealing with key (32 bytes), or a repo
// that fails every call with ErrEncryptionKeyNotSet when key is nil.
func NewCredentialRepo(s *Store, key []byte) (*CredentialRepo, error) {
	if key != nil && len(key) != keyLen {
		return nil, fmt.Errorf("store: credential key must be %d bytes, got %d", keyLen, len(key))
	}

	return &CredentialRepo{s: s, key: key}, nil
}

// ParseKey decodes a 32-byte key given as hex or standard base64.
func ParseKey(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrEncryptionKeyNotSet
	}

	if b, err := hex.DecodeString(raw); err == nil && len(b) == keyLen {
		return b, nil
	}

	if b, err := base64.StdEncoding.DecodeString(raw); err == nil && len(b) == keyLen {
		return b, nil
	}

	return nil, fmt.Errorf("store: credential key must be %d bytes as hex or base64", keyLen)
}

// Load decrypts the stored credential for id.
func (r *CredentialRepo) Load(ctx context.Context, id principal.ID) (*credential.Credential, error) {
	if r.key == nil {
		return nil, ErrEncryptionKeyNotSet
	}

	var sealed string

	err := r.s.reader.QueryRowContext(ctx, `SELECT value FROM credentials WHERE principal = ?`, id.String()).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, credential.ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("store: loading credential %s: %w", id, err)
	}

	plaintext, err := r.decrypt(sealed)
	if err != nil {
		return nil, fmt.Errorf("store: decrypting credential %s: %w", id, err)
	}

	var c credential.Credential
	if err := json.Unmarshal(plaintext, &c); err != nil {
		return nil, fmt.Errorf("store: decoding credential %s: %w", id, err)
	}

	return &c, nil
}

// Save seals and upserts the credential in one statement, so the access and
// refresh token always change together.
func (r *CredentialRepo) Save(ctx context.Context, c *credential.Credential) error {
	if err := c.Validate(); err != nil {
		return err
	}

	plaintext, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("store: encoding credential: %w", err)
	}

	sealed, err := r.encrypt(plaintext)
	if err != nil {
		return err
	}

	_, err = r.s.writer.ExecContext(ctx,
		`INSERT INTO credentials (principal, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(principal) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		c.Principal.String(), sealed, r.s.nowFunc().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("store: saving credential %s: %w", c.Principal, err)
	}

	return nil
}

// Delete removes the credential. Deleting an absent one is not an error.
func (r *CredentialRepo) Delete(ctx context.Context, id principal.ID) error {
	if _, err := r.s.writer.ExecContext(ctx, `DELETE FROM credentials WHERE principal = ?`, id.String()); err != nil {
		return fmt.Errorf("store: deleting credential %s: %w", id, err)
	}

	return nil
}

// List returns principals with a stored credential, sorted.
func (r *CredentialRepo) List(ctx context.Context) ([]principal.ID, error) {
	if r.key == nil {
		return nil, ErrEncryptionKeyNotSet
	}

	rows, err := r.s.reader.QueryContext(ctx, `SELECT principal FROM credentials ORDER BY principal`)
	if err != nil {
		return nil, fmt.Errorf("store: listing credentials: %w", err)
	}
	defer rows.Close()

	var out []principal.ID

	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("store: scanning credential: %w", err)
		}

		id, err := principal.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("store: stored credential: %w", err)
		}

		out = append(out, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating credentials: %w", err)
	}

	return out, nil
}

// encrypt returns base64(nonce || ciphertext || tag).
func (r *CredentialRepo) encrypt(plaintext []byte) (string, error) {
	if r.key == nil {
		return "", ErrEncryptionKeyNotSet
	}

	gcm, err := r.gcm()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("store: rand nonce: %w", err)
	}

	return base64.StdEncoding.EncodeToString(gcm.Seal(nonce, nonce, plaintext, nil)), nil
}

func (r *CredentialRepo) decrypt(encoded string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("base64 decode: %w", err)
	}

	gcm, err := r.gcm()
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, errors.New("ciphertext too short")
	}

	plaintext, err := gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("gcm.Open: %w", err)
	}

	return plaintext, nil
}

func (r *CredentialRepo) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(r.key)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}

	return gcm, nil
}
