// Package keystore persists the node's libp2p identity key.
//
// Loading never fabricates a key: a missing or undecodable file yields "no
// identity" and generating a replacement is left to the caller.
package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"
	"golang.org/x/crypto/scrypt"
)

const (
	cipherNone    = "none"
	cipherAES128  = "aes-128-ctr"
	kdfScrypt     = "scrypt"
	keystoreVer   = 1
	scryptN       = 32768
	scryptR       = 8
	scryptP       = 1
	scryptKeySize = 32

	// bounds on parameters read from disk
	maxScryptMemory  = 256 << 20
	maxScryptR       = 32
	maxScryptP       = 16
	maxScryptKeySize = 64
)

var (
	ErrInvalidPassword = errors.New("keystore: invalid password")
	ErrUnsafeKDFParams = errors.New("keystore: kdf parameters out of range")
)

type KeystoreFile struct {
	PeerID  string `json:"peer_id"`
	Crypto  Crypto `json:"crypto"`
	Version int    `json:"version"`
}

type Crypto struct {
	Cipher       string       `json:"cipher"`
	CipherText   string       `json:"ciphertext"`
	CipherParams CipherParams `json:"cipherparams"`
	KDF          string       `json:"kdf,omitempty"`
	KDFParams    KDFParams    `json:"kdfparams"`
	MAC          string       `json:"mac,omitempty"`
}

type CipherParams struct {
	IV string `json:"iv,omitempty"`
}

type KDFParams struct {
	DKLen int    `json:"dklen,omitempty"`
	N     int    `json:"n,omitempty"`
	P     int    `json:"p,omitempty"`
	R     int    `json:"r,omitempty"`
	Salt  string `json:"salt,omitempty"`
}

// validate rejects parameters that would make scrypt use more than
// maxScryptMemory or derive an unusable key.
func (p KDFParams) validate() error {
	switch {
	case p.N <= 1 || p.N&(p.N-1) != 0,
		p.R <= 0 || p.R > maxScryptR,
		p.P <= 0 || p.P > maxScryptP,
		p.DKLen < scryptKeySize || p.DKLen > maxScryptKeySize,
		p.N > maxScryptMemory/(128*p.R):
		return fmt.Errorf("%w: n=%d r=%d p=%d dklen=%d", ErrUnsafeKDFParams, p.N, p.R, p.P, p.DKLen)
	}
	return nil
}

// Generate creates a fresh Ed25519 identity.
func Generate() (crypto.PrivKey, error) {
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}
	return priv, nil
}

// Save writes key to path. An empty password stores the key unencrypted.
func Save(path string, key crypto.PrivKey, password string) error {
	raw, err := crypto.MarshalPrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}
	pid, err := peerIDString(key)
	if err != nil {
		return err
	}

	file := KeystoreFile{PeerID: pid, Version: keystoreVer}
	if password == "" {
		file.Crypto = Crypto{Cipher: cipherNone, CipherText: hex.EncodeToString(raw)}
	} else {
		c, err := encrypt(raw, password)
		if err != nil {
			return err
		}
		file.Crypto = c
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// Load returns the key stored at path, or false when the file is missing or
// cannot be decoded with password.
func Load(path, password string, logger *zap.Logger) (crypto.PrivKey, bool) {
	if logger == nil {
		logger = zap.NewNop()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Info("Networking keystore not found", zap.String("path", path))
		logger.Debug("keystore read failed", zap.Error(err))
		return nil, false
	}
	key, err := decode(data, password)
	if err != nil {
		logger.Info("Could not decode networking keystore", zap.String("path", path))
		logger.Debug("keystore decode failed", zap.Error(err))
		return nil, false
	}
	logger.Info("Recovered libp2p keypair", zap.String("path", path))
	return key, true
}

func decode(data []byte, password string) (crypto.PrivKey, error) {
	var file KeystoreFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, err
	}

	var raw []byte
	switch file.Crypto.Cipher {
	case cipherNone:
		var err error
		raw, err = hex.DecodeString(file.Crypto.CipherText)
		if err != nil {
			return nil, err
		}
	case cipherAES128:
		var err error
		raw, err = decrypt(file.Crypto, password)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported cipher %q", file.Crypto.Cipher)
	}

	key, err := crypto.UnmarshalPrivateKey(raw)
	if err != nil {
		return nil, err
	}
	if pid, err := peerIDString(key); err != nil || (file.PeerID != "" && pid != file.PeerID) {
		return nil, fmt.Errorf("keystore peer id mismatch")
	}
	return key, nil
}

func encrypt(plaintext []byte, password string) (Crypto, error) {
	salt := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return Crypto{}, err
	}
	derivedKey, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, scryptKeySize)
	if err != nil {
		return Crypto{}, err
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return Crypto{}, err
	}
	block, err := aes.NewCipher(derivedKey[:16])
	if err != nil {
		return Crypto{}, err
	}
	ciphertext := make([]byte, len(plaintext))
	cipher.NewCTR(block, iv).XORKeyStream(ciphertext, plaintext)

	return Crypto{
		Cipher:       cipherAES128,
		CipherText:   hex.EncodeToString(ciphertext),
		CipherParams: CipherParams{IV: hex.EncodeToString(iv)},
		KDF:          kdfScrypt,
		KDFParams: KDFParams{
			DKLen: scryptKeySize,
			N:     scryptN,
			P:     scryptP,
			R:     scryptR,
			Salt:  hex.EncodeToString(salt),
		},
		MAC: hex.EncodeToString(mac(derivedKey, ciphertext)),
	}, nil
}

func decrypt(c Crypto, password string) ([]byte, error) {
	if c.KDF != kdfScrypt {
		return nil, fmt.Errorf("unsupported kdf %q", c.KDF)
	}
	if err := c.KDFParams.validate(); err != nil {
		return nil, err
	}
	salt, err := hex.DecodeString(c.KDFParams.Salt)
	if err != nil {
		return nil, err
	}
	derivedKey, err := scrypt.Key([]byte(password), salt, c.KDFParams.N, c.KDFParams.R, c.KDFParams.P, c.KDFParams.DKLen)
	if err != nil {
		return nil, err
	}
	ciphertext, err := hex.DecodeString(c.CipherText)
	if err != nil {
		return nil, err
	}
	storedMAC, err := hex.DecodeString(c.MAC)
	if err != nil {
		return nil, err
	}
	if !hmac.Equal(mac(derivedKey, ciphertext), storedMAC) {
		return nil, ErrInvalidPassword
	}
	iv, err := hex.DecodeString(c.CipherParams.IV)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(derivedKey[:16])
	if err != nil {
		return nil, err
	}
	if len(iv) != block.BlockSize() {
		return nil, fmt.Errorf("invalid iv length")
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCTR(block, iv).XORKeyStream(plaintext, ciphertext)
	return plaintext, nil
}

func mac(derivedKey, ciphertext []byte) []byte {
	sum := sha256.Sum256(append(append([]byte{}, derivedKey[16:32]...), ciphertext...))
	return sum[:]
}

func peerIDString(key crypto.PrivKey) (string, error) {
	pid, err := peer.IDFromPrivateKey(key)
	if err != nil {
		return "", fmt.Errorf("derive peer id: %w", err)
	}
	return pid.String(), nil
}
