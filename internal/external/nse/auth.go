package nse

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/sparrowinvest/mfengine/internal/credentials"
)

const alphanumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// authHeaders builds the stateless per-request NSE NMF auth headers:
//
//	EncryptedPassword = base64(iv::salt::AES128CBC(licenseKey[:16], iv[:16], apiSecret|random))
//	Authorization     = BASIC base64(loginUserId:EncryptedPassword)
func authHeaders(cr credentials.Credentials, rnd io.Reader) (map[string]string, error) {
	if len(cr.LicenseKey) < aes.BlockSize {
		return nil, fmt.Errorf("license key shorter than %d bytes", aes.BlockSize)
	}

	salt, err := randomAlphanumeric(rnd, 32)
	if err != nil {
		return nil, err
	}
	iv, err := randomAlphanumeric(rnd, 32)
	if err != nil {
		return nil, err
	}
	nonce, err := randomAlphanumeric(rnd, 16)
	if err != nil {
		return nil, err
	}

	ciphertext, err := encryptCBC([]byte(cr.LicenseKey[:aes.BlockSize]), []byte(iv[:aes.BlockSize]), []byte(cr.APISecret+"|"+nonce))
	if err != nil {
		return nil, err
	}

	combined := iv + "::" + salt + "::" + base64.StdEncoding.EncodeToString(ciphertext)
	password := base64.StdEncoding.EncodeToString([]byte(combined))
	basic := base64.StdEncoding.EncodeToString([]byte(cr.LoginUserID + ":" + password))

	return map[string]string{
		"memberId":      cr.MemberID,
		"Authorization": "BASIC " + basic,
	}, nil
}

func encryptCBC(key, iv, plain []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	padded := pkcs7Pad(plain, aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out, nil
}

func pkcs7Pad(b []byte, size int) []byte {
	n := size - len(b)%size
	return append(b, bytes.Repeat([]byte{byte(n)}, n)...)
}

func randomAlphanumeric(rnd io.Reader, n int) (string, error) {
	if rnd == nil {
		rnd = rand.Reader
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(rnd, buf); err != nil {
		return "", fmt.Errorf("random: %w", err)
	}
	for i := range buf {
		buf[i] = alphanumeric[int(buf[i])%len(alphanumeric)]
	}
	return string(buf), nil
}
