package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/term"
)

const (
	// VaultFile is the default vault location, relative to the working dir.
	VaultFile = ".pocketclaw.vault"

	// VaultPasswordEnv unlocks the vault without a prompt.
	VaultPasswordEnv = "POCKETCLAW_VAULT_PASSWORD"

	argonTime    = 3
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32

	saltLen = 16

	verifyEntry = "__verify__"
	verifyValue = "pocketclaw-vault-ok"
)

var (
	// ErrVaultLocked is returned by operations that need the derived key.
	ErrVaultLocked = errors.New("vault is locked")

	// ErrWrongPassword is returned by Unlock when verification fails.
	ErrWrongPassword = errors.New("wrong vault password")
)

// vaultEntry is one AES-GCM sealed secret.
type vaultEntry struct {
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// vaultData is the file format.
type vaultData struct {
	Version int                   `json:"version"`
	Salt    string                `json:"salt"`
	Entries map[string]vaultEntry `json:"entries"`
}

// Vault stores secrets in a file encrypted with a key derived from a master
// password (Argon2id + AES-256-GCM). The password itself is never stored.
type Vault struct {
	path string

	mu   sync.RWMutex
	data *vaultData
	key  []byte
}

// NewVault returns a locked vault backed by path.
func NewVault(path string) *Vault {
	return &Vault{path: path}
}

// Path returns the vault file.
func (v *Vault) Path() string { return v.path }

// Exists reports whether the vault file is present.
func (v *Vault) Exists() bool {
	_, err := os.Stat(v.path)
	return err == nil
}

// IsUnlocked reports whether secrets can be read.
func (v *Vault) IsUnlocked() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.key != nil
}

// Create initializes a new vault file and leaves it unlocked.
func (v *Vault) Create(password string) error {
	if password == "" {
		return errors.New("vault password must not be empty")
	}
	if v.Exists() {
		return fmt.Errorf("vault already exists at %s", v.path)
	}
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generating salt: %w", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	v.key = deriveKey(password, salt)
	v.data = &vaultData{
		Version: 1,
		Salt:    base64.StdEncoding.EncodeToString(salt),
		Entries: make(map[string]vaultEntry),
	}
	check, err := seal(v.key, []byte(verifyValue))
	if err != nil {
		return err
	}
	v.data.Entries[verifyEntry] = check
	return v.saveLocked()
}

// Unlock derives the key and verifies it against the check entry.
func (v *Vault) Unlock(password string) error {
	raw, err := os.ReadFile(v.path)
	if err != nil {
		return fmt.Errorf("reading vault: %w", err)
	}
	var data vaultData
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("parsing vault: %w", err)
	}
	if data.Entries == nil {
		data.Entries = make(map[string]vaultEntry)
	}
	salt, err := base64.StdEncoding.DecodeString(data.Salt)
	if err != nil {
		return fmt.Errorf("decoding salt: %w", err)
	}

	key := deriveKey(password, salt)
	if check, ok := data.Entries[verifyEntry]; ok {
		if _, err := open(key, check); err != nil {
			return ErrWrongPassword
		}
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.key = key
	v.data = &data
	return nil
}

// Lock zeroes and discards the derived key.
func (v *Vault) Lock() {
	v.mu.Lock()
	defer v.mu.Unlock()
	clear(v.key)
	v.key = nil
}

// Set encrypts and stores a secret.
func (v *Vault) Set(name, value string) error {
	if name == "" || name == verifyEntry {
		return fmt.Errorf("invalid secret name %q", name)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.key == nil {
		return ErrVaultLocked
	}
	entry, err := seal(v.key, []byte(value))
	if err != nil {
		return fmt.Errorf("encrypting %s: %w", name, err)
	}
	v.data.Entries[name] = entry
	return v.saveLocked()
}

// Get decrypts a secret. A missing name yields "" and no error.
func (v *Vault) Get(name string) (string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.key == nil {
		return "", ErrVaultLocked
	}
	entry, ok := v.data.Entries[name]
	if !ok {
		return "", nil
	}
	plain, err := open(v.key, entry)
	if err != nil {
		return "", fmt.Errorf("decrypting %s: %w", name, err)
	}
	return string(plain), nil
}

// Delete removes a secret.
func (v *Vault) Delete(name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.key == nil {
		return ErrVaultLocked
	}
	delete(v.data.Entries, name)
	return v.saveLocked()
}

// Keys lists stored secret names, sorted.
func (v *Vault) Keys() ([]string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.key == nil {
		return nil, ErrVaultLocked
	}
	keys := make([]string, 0, len(v.data.Entries))
	for k := range v.data.Entries {
		if k != verifyEntry {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// ChangePassword re-encrypts every entry under a new password and salt.
func (v *Vault) ChangePassword(newPassword string) error {
	if newPassword == "" {
		return errors.New("vault password must not be empty")
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.key == nil {
		return ErrVaultLocked
	}

	plain := make(map[string][]byte, len(v.data.Entries))
	for name, entry := range v.data.Entries {
		p, err := open(v.key, entry)
		if err != nil {
			return fmt.Errorf("decrypting %s: %w", name, err)
		}
		plain[name] = p
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generating salt: %w", err)
	}
	key := deriveKey(newPassword, salt)

	entries := make(map[string]vaultEntry, len(plain))
	for name, p := range plain {
		e, err := seal(key, p)
		if err != nil {
			return fmt.Errorf("re-encrypting %s: %w", name, err)
		}
		entries[name] = e
	}

	clear(v.key)
	v.key = key
	v.data.Salt = base64.StdEncoding.EncodeToString(salt)
	v.data.Entries = entries
	return v.saveLocked()
}

// saveLocked writes the vault file. Caller holds v.mu.
func (v *Vault) saveLocked() error {
	data, err := json.MarshalIndent(v.data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling vault: %w", err)
	}
	if err := os.WriteFile(v.path, data, 0o600); err != nil {
		return fmt.Errorf("writing vault: %w", err)
	}
	return nil
}

func deriveKey(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

func seal(key, plaintext []byte) (vaultEntry, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return vaultEntry{}, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return vaultEntry{}, err
	}
	return vaultEntry{
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(gcm.Seal(nil, nonce, plaintext, nil)),
	}, nil
}

func open(key []byte, entry vaultEntry) ([]byte, error) {
	nonce, err := base64.StdEncoding.DecodeString(entry.Nonce)
	if err != nil {
		return nil, fmt.Errorf("decoding nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(entry.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decoding ciphertext: %w", err)
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, errors.New("invalid nonce")
	}
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, errors.New("decryption failed")
	}
	return plain, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// ReadPassword prompts on stdout and reads a line from stdin without echo
// when stdin is a terminal.
func ReadPassword(prompt string) (string, error) {
	fmt.Print(prompt)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		pw, err := term.ReadPassword(fd)
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}
		return string(pw), nil
	}
	var buf [1024]byte
	n, err := os.Stdin.Read(buf[:])
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return strings.TrimRight(string(buf[:n]), "\r\n"), nil
}
