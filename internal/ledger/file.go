package ledger

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/hkdf"
)

const (
	// LedgerFileName is the encrypted ledger document.
	LedgerFileName = "ledger.enc"
	// KeyFileName holds the random key material the ledger is encrypted with.
	KeyFileName = ".ledger-key"
	// LockFileName serialises writers across processes.
	LockFileName = "ledger.lock"

	privateDirPerm  = 0o700
	privateFilePerm = 0o600
	maxKeyFileSize  = 4096
	maxLedgerSize   = 1 << 20 // 1 MiB

	watchDebounce = 100 * time.Millisecond
)

var (
	errUnsafePath = errors.New("unsafe ledger path")
	errInvalidKey = errors.New("invalid ledger key")
)

// FileStore keeps the ledger as one AES-GCM encrypted JSON document in a
// data directory. The directory may be synced between devices by a file
// sync service; Watch reports edits that did not come from this process.
type FileStore struct {
	dir  string
	path string
	key  []byte

	mu        sync.Mutex
	lastWrite []byte
	closed    bool
	watcher   *fsnotify.Watcher
}

// NewFileStore opens the ledger in dir, creating the key file on first use.
func NewFileStore(dir string) (*FileStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("ledger directory cannot be empty")
	}
	dir = filepath.Clean(dir)
	if err := ensureOwnerOnlyDir(dir); err != nil {
		return nil, fmt.Errorf("secure ledger directory: %w", err)
	}

	material, err := ensureKeyMaterial(dir)
	if err != nil {
		return nil, err
	}
	key, err := deriveKey(material)
	if err != nil {
		return nil, err
	}

	return &FileStore{
		dir:  dir,
		path: filepath.Join(dir, LedgerFileName),
		key:  key,
	}, nil
}

func (s *FileStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, ErrClosed
	}

	doc, _, err := s.readLocked()
	if err != nil {
		return nil, false, err
	}
	v, ok := doc[key]
	return v, ok, nil
}

func (s *FileStore) Scan(_ context.Context, prefix string) (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	doc, _, err := s.readLocked()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte)
	for k, v := range doc {
		if strings.HasPrefix(k, prefix) {
			out[k] = v
		}
	}
	return out, nil
}

func (s *FileStore) Set(_ context.Context, key string, value []byte) error {
	return s.update(func(doc map[string][]byte) bool {
		doc[key] = value
		return true
	})
}

func (s *FileStore) SetIfAbsent(_ context.Context, key string, value []byte) (bool, error) {
	written := false
	err := s.update(func(doc map[string][]byte) bool {
		if _, ok := doc[key]; ok {
			return false
		}
		doc[key] = value
		written = true
		return true
	})
	return written, err
}

func (s *FileStore) Delete(_ context.Context, key string) error {
	return s.update(func(doc map[string][]byte) bool {
		if _, ok := doc[key]; !ok {
			return false
		}
		delete(doc, key)
		return true
	})
}

// Close stops any watch. The store cannot be used afterwards.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.watcher != nil {
		err := s.watcher.Close()
		s.watcher = nil
		return err
	}
	return nil
}

// Watch calls onChange when the ledger file is replaced by another writer.
// It returns once the watch is established; events stop when ctx ends or
// the store is closed.
func (s *FileStore) Watch(ctx context.Context, onChange func(keys []string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create ledger watcher: %w", err)
	}
	if err := watcher.Add(s.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch ledger directory %s: %w", s.dir, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = watcher.Close()
		return ErrClosed
	}
	if s.watcher != nil {
		_ = s.watcher.Close()
	}
	s.watcher = watcher
	s.mu.Unlock()

	go s.watchLoop(ctx, watcher, onChange)
	log.Info().Str("path", s.path).Msg("Watching ledger file for external changes")
	return nil
}

func (s *FileStore) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, onChange func(keys []string)) {
	defer watcher.Close()

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != LedgerFileName {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			debounce = time.After(watchDebounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Str("path", s.path).Msg("Ledger watcher error")
		case <-debounce:
			debounce = nil
			if s.changedExternally() {
				log.Info().Str("path", s.path).Msg("Detected external ledger change")
				onChange(nil)
			}
		}
	}
}

func (s *FileStore) changedExternally() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := readBoundedRegularFile(s.path, maxLedgerSize)
	if err != nil {
		return !isMissingPathError(err)
	}
	return !bytes.Equal(bytes.TrimSpace(raw), s.lastWrite)
}

func (s *FileStore) update(mutate func(doc map[string][]byte) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	unlock, err := lockFile(filepath.Join(s.dir, LockFileName))
	if err != nil {
		return fmt.Errorf("lock ledger: %w", err)
	}
	defer unlock()

	doc, _, err := s.readLocked()
	if err != nil {
		return err
	}
	if !mutate(doc) {
		return nil
	}
	return s.writeLocked(doc)
}

func (s *FileStore) readLocked() (map[string][]byte, bool, error) {
	encoded, err := readBoundedRegularFile(s.path, maxLedgerSize)
	if err != nil {
		if isMissingPathError(err) {
			return make(map[string][]byte), false, nil
		}
		return nil, false, fmt.Errorf("read ledger file: %w", err)
	}

	encrypted, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(encoded)))
	if err != nil {
		return nil, false, fmt.Errorf("decode ledger file: %w", err)
	}
	plaintext, err := s.decrypt(encrypted)
	if err != nil {
		return nil, false, fmt.Errorf("decrypt ledger: %w", err)
	}

	doc := make(map[string][]byte)
	if err := json.Unmarshal(plaintext, &doc); err != nil {
		return nil, false, fmt.Errorf("parse ledger: %w", err)
	}
	return doc, true, nil
}

func (s *FileStore) writeLocked(doc map[string][]byte) error {
	plaintext, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal ledger: %w", err)
	}
	encrypted, err := s.encrypt(plaintext)
	if err != nil {
		return fmt.Errorf("encrypt ledger: %w", err)
	}
	encoded := []byte(base64.StdEncoding.EncodeToString(encrypted))
	if err := writeOwnerOnlyFileAtomic(s.path, encoded); err != nil {
		return fmt.Errorf("write ledger file: %w", err)
	}
	s.lastWrite = encoded
	return nil
}

// encrypt uses AES-GCM to encrypt data.
func (s *FileStore) encrypt(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *FileStore) decrypt(ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short: got %d bytes, need at least %d", len(ciphertext), gcm.NonceSize())
	}
	nonce, data := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, data, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt ciphertext: %w", err)
	}
	return plaintext, nil
}

const ledgerKeyInfo = "podstore-ledger-aes-gcm"

func deriveKey(material string) ([]byte, error) {
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, []byte(material), nil, []byte(ledgerKeyInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive ledger key: %w", err)
	}
	return key, nil
}

// ensureKeyMaterial loads the key file, generating 32 random bytes on first use.
func ensureKeyMaterial(dir string) (string, error) {
	keyPath := filepath.Join(dir, KeyFileName)

	data, err := readBoundedRegularFile(keyPath, maxKeyFileSize)
	if err == nil {
		key := strings.TrimSpace(string(data))
		if key == "" {
			return "", fmt.Errorf("%w: key file is empty", errInvalidKey)
		}
		return key, nil
	}
	if !isMissingPathError(err) {
		return "", fmt.Errorf("load ledger key: %w", err)
	}

	keyBytes := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, keyBytes); err != nil {
		return "", fmt.Errorf("generate ledger key: %w", err)
	}
	key := hex.EncodeToString(keyBytes)
	if err := writeOwnerOnlyFileAtomic(keyPath, []byte(key)); err != nil {
		return "", fmt.Errorf("write ledger key: %w", err)
	}
	return key, nil
}

func isMissingPathError(err error) bool {
	return errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ENOTDIR)
}

func ensureOwnerOnlyDir(dir string) error {
	if err := os.MkdirAll(dir, privateDirPerm); err != nil {
		return err
	}
	return os.Chmod(dir, privateDirPerm)
}

func validateRegularFile(path string, info os.FileInfo) error {
	if info.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("%w: refusing symlink path %q", errUnsafePath, path)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: non-regular path %q", errUnsafePath, path)
	}
	return nil
}

func readBoundedRegularFile(path string, maxSize int64) ([]byte, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return nil, err
	}
	if err := validateRegularFile(path, info); err != nil {
		return nil, err
	}
	if info.Size() > maxSize {
		return nil, fmt.Errorf("%w: file %q exceeds size limit (%d bytes)", errUnsafePath, path, info.Size())
	}
	return os.ReadFile(path)
}

func writeOwnerOnlyFileAtomic(path string, data []byte) error {
	if info, err := os.Lstat(path); err == nil {
		if err := validateRegularFile(path, info); err != nil {
			return err
		}
	} else if !isMissingPathError(err) {
		return err
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := tmpFile.Chmod(privateFilePerm); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false
	return nil
}
