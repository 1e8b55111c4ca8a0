package codec

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
)

const (
	saltSize  = 16
	ivSize    = 16
	blockSize = aes.BlockSize
)

// deriveKey computes key = HMAC-SHA256(salt, password), i.e. the salt is
// the HMAC message and the password is the HMAC key, exactly as specified.
func deriveKey(password string, salt []byte) []byte {
	mac := hmac.New(sha256.New, []byte(password))
	mac.Write(salt)
	return mac.Sum(nil)
}

func pkcs7Pad(data []byte, size int) []byte {
	padLen := size - len(data)%size
	padding := bytes.Repeat([]byte{byte(padLen)}, padLen)
	return append(data, padding...)
}

func pkcs7Unpad(data []byte, size int) ([]byte, error) {
	length := len(data)
	if length == 0 || length%size != 0 {
		return nil, errors.New("pkcs7: invalid padded length")
	}
	padLen := int(data[length-1])
	if padLen == 0 || padLen > size || padLen > length {
		return nil, errors.New("pkcs7: invalid padding")
	}
	for _, b := range data[length-padLen:] {
		if int(b) != padLen {
			return nil, errors.New("pkcs7: corrupt padding")
		}
	}
	return data[:length-padLen], nil
}

// encryptEnvelope implements step 4.1's encrypted mode: random salt+iv, a
// derived key, AES-256-CBC with PKCS#7 padding, emitted as salt ∥ iv ∥
// ciphertext.
func encryptEnvelope(plaintext []byte, password string) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("generate iv: %w", err)
	}

	key := deriveKey(password, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create aes cipher: %w", err)
	}

	padded := pkcs7Pad(plaintext, blockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	out := make([]byte, 0, saltSize+ivSize+len(ciphertext))
	out = append(out, salt...)
	out = append(out, iv...)
	out = append(out, ciphertext...)
	return out, nil
}

// decryptEnvelope reverses encryptEnvelope: split salt, iv, and ciphertext;
// derive the same key; decrypt; unpad.
func decryptEnvelope(envelope []byte, password string) ([]byte, error) {
	if len(envelope) < saltSize+ivSize+blockSize {
		return nil, errors.New("envelope too short")
	}
	salt := envelope[:saltSize]
	iv := envelope[saltSize : saltSize+ivSize]
	ciphertext := envelope[saltSize+ivSize:]
	if len(ciphertext)%blockSize != 0 {
		return nil, errors.New("ciphertext is not block aligned")
	}

	key := deriveKey(password, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create aes cipher: %w", err)
	}

	padded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ciphertext)

	plaintext, err := pkcs7Unpad(padded, blockSize)
	if err != nil {
		return nil, fmt.Errorf("unpad plaintext: %w", err)
	}
	return plaintext, nil
}
