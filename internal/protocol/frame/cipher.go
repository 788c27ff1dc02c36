package frame

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	keyIterations = 4096
	keyLen        = 32
)

var (
	ErrShortCiphertext = errors.New("frame: short ciphertext")
	ErrBadPadding      = errors.New("frame: bad padding")
)

// Cipher wraps whole messages in AES-CBC with a random IV prefix. The zero
// value is the identity transform.
type Cipher struct {
	block cipher.Block
}

// NewCipher derives the key from password. An empty password returns a
// disabled cipher.
func NewCipher(password string, salt []byte) (*Cipher, error) {
	if password == "" {
		return &Cipher{}, nil
	}
	key := pbkdf2.Key([]byte(password), salt, keyIterations, keyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return &Cipher{block: block}, nil
}

func (c *Cipher) Enabled() bool {
	return c != nil && c.block != nil
}

// Seal encrypts msg. Disabled ciphers return msg unchanged.
func (c *Cipher) Seal(msg []byte) ([]byte, error) {
	if !c.Enabled() {
		return msg, nil
	}
	bs := c.block.BlockSize()
	pad := bs - len(msg)%bs
	plain := append(append([]byte(nil), msg...), bytes.Repeat([]byte{byte(pad)}, pad)...)
	out := make([]byte, bs+len(plain))
	iv := out[:bs]
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, err
	}
	cipher.NewCBCEncrypter(c.block, iv).CryptBlocks(out[bs:], plain)
	return out, nil
}

// Open reverses Seal.
func (c *Cipher) Open(sealed []byte) ([]byte, error) {
	if !c.Enabled() {
		return sealed, nil
	}
	bs := c.block.BlockSize()
	if len(sealed) < 2*bs || len(sealed)%bs != 0 {
		return nil, ErrShortCiphertext
	}
	plain := make([]byte, len(sealed)-bs)
	cipher.NewCBCDecrypter(c.block, sealed[:bs]).CryptBlocks(plain, sealed[bs:])
	pad := int(plain[len(plain)-1])
	if pad == 0 || pad > bs || pad > len(plain) {
		return nil, ErrBadPadding
	}
	for _, b := range plain[len(plain)-pad:] {
		if int(b) != pad {
			return nil, ErrBadPadding
		}
	}
	return plain[:len(plain)-pad], nil
}
