package blufi

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5" //nolint:gosec
	"crypto/rand"
	"encoding/binary"
	"math/big"
	"sync"

	errw "github.com/pkg/errors"
)

// Negotiation packet types (first byte of a negotiation payload).
const (
	negParamLen  uint8 = 0x00
	negParamData uint8 = 0x01
)

// DHSecurity negotiates an AES-128 key with the phone over Diffie-Hellman.
// The key is the MD5 of the shared secret; frames use AES-128-CFB with the
// sequence number as the first IV byte, and CRC-16 checksums.
type DHSecurity struct {
	mu       sync.Mutex
	paramLen int
	block    cipher.Block
}

func NewDHSecurity() *DHSecurity {
	return &DHSecurity{}
}

func (d *DHSecurity) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.paramLen = 0
	d.block = nil
}

func (d *DHSecurity) Negotiate(data []byte) ([]byte, error) {
	if len(data) < 1 {
		return nil, secErr(ErrorDataFormat, "empty negotiation payload")
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	switch data[0] {
	case negParamLen:
		if len(data) < 3 {
			return nil, secErr(ErrorDataFormat, "short dh param length packet")
		}
		d.paramLen = int(binary.BigEndian.Uint16(data[1:3]))
		return nil, nil
	case negParamData:
		if d.paramLen == 0 {
			return nil, secErr(ErrorDHParam, "dh params received before their length")
		}
		if len(data)-1 < d.paramLen {
			return nil, secErr(ErrorDHParam, "dh params shorter than announced")
		}
		return d.exchange(data[1 : 1+d.paramLen])
	default:
		return nil, secErr(ErrorDataFormat, "unknown negotiation packet type")
	}
}

// exchange parses P, G and the phone's public key (each prefixed by a big-endian
// uint16 length), derives the session key and returns our public key padded to len(P).
func (d *DHSecurity) exchange(params []byte) ([]byte, error) {
	var fields [3][]byte
	rest := params
	for i := range fields {
		if len(rest) < 2 {
			return nil, secErr(ErrorReadParam, "truncated dh params")
		}
		n := int(binary.BigEndian.Uint16(rest))
		rest = rest[2:]
		if len(rest) < n || n == 0 {
			return nil, secErr(ErrorReadParam, "truncated dh params")
		}
		fields[i] = rest[:n]
		rest = rest[n:]
	}

	p := new(big.Int).SetBytes(fields[0])
	g := new(big.Int).SetBytes(fields[1])
	peer := new(big.Int).SetBytes(fields[2])

	two := big.NewInt(2)
	pMinus1 := new(big.Int).Sub(p, big.NewInt(1))
	if p.Cmp(big.NewInt(5)) < 0 || peer.Cmp(two) < 0 || peer.Cmp(pMinus1) >= 0 {
		return nil, secErr(ErrorDHParam, "invalid dh parameters")
	}

	// private exponent in [2, p-2]
	limit := new(big.Int).Sub(p, big.NewInt(3))
	priv, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, &SecurityError{Code: ErrorMakePublic, Err: errw.Wrap(err, "generating dh private key")}
	}
	priv.Add(priv, two)

	pub := new(big.Int).Exp(g, priv, p)
	shared := new(big.Int).Exp(peer, priv, p)

	if err := d.installKey(shared.FillBytes(make([]byte, len(fields[0])))); err != nil {
		return nil, err
	}
	return pub.FillBytes(make([]byte, len(fields[0]))), nil
}

// setKey installs the session key derived from a shared secret.
func (d *DHSecurity) setKey(shared []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.installKey(shared)
}

func (d *DHSecurity) installKey(shared []byte) error {
	sum := md5.Sum(shared) //nolint:gosec
	block, err := aes.NewCipher(sum[:])
	if err != nil {
		return &SecurityError{Code: ErrorInitSecurity, Err: errw.Wrap(err, "creating aes cipher")}
	}
	d.block = block
	return nil
}

func (d *DHSecurity) stream(iv uint8, decrypt bool) (cipher.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.block == nil {
		return nil, errw.New("no key negotiated")
	}
	ivBytes := make([]byte, aes.BlockSize)
	ivBytes[0] = iv
	if decrypt {
		return cipher.NewCFBDecrypter(d.block, ivBytes), nil //nolint:staticcheck
	}
	return cipher.NewCFBEncrypter(d.block, ivBytes), nil //nolint:staticcheck
}

func (d *DHSecurity) Encrypt(iv uint8, buf []byte) error {
	s, err := d.stream(iv, false)
	if err != nil {
		return &SecurityError{Code: ErrorEncrypt, Err: err}
	}
	s.XORKeyStream(buf, buf)
	return nil
}

func (d *DHSecurity) Decrypt(iv uint8, buf []byte) error {
	s, err := d.stream(iv, true)
	if err != nil {
		return &SecurityError{Code: ErrorDecrypt, Err: err}
	}
	s.XORKeyStream(buf, buf)
	return nil
}

func (d *DHSecurity) Checksum(_ uint8, buf []byte) uint16 {
	return crc16(buf)
}
