package cache

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/argon2"
)

const (
	nonceSize               = 12
	hashKeyLength           = 32
	defaultMemoryMultiplier = 64
)

// payloadCodec turns values into external cache payloads: JSON, then optional compression, then optional encryption.
type payloadCodec struct {
	compression *CompressionConfig
	encryption  *EncryptionConfig
	encoder     *zstd.Encoder
	decoder     *zstd.Decoder
}

func newPayloadCodec(compression *CompressionConfig, encryption *EncryptionConfig, passphrase, salt string) (*payloadCodec, error) {

	if compression == nil {
		compression = &CompressionConfig{}
	}

	if encryption == nil {
		encryption = &EncryptionConfig{}
	}

	pc := &payloadCodec{
		compression: compression,
		encryption:  encryption,
	}

	if compression.Enabled && compression.Type == ZstdCompressionType {
		var err error
		if pc.encoder, err = zstd.NewWriter(nil); err != nil {
			return nil, err
		}

		if pc.decoder, err = zstd.NewReader(nil); err != nil {
			return nil, err
		}
	}

	if encryption.Enabled && len(encryption.Hashkey) == 0 {
		encryption.Hashkey = encryption.deriveKey(passphrase, salt)

		if len(encryption.Hashkey) == 0 {
			return nil, fmt.Errorf("%w: encryption needs a hashkey or a passphrase and salt", ErrInvalidCacheConfig)
		}
	}

	return pc, nil
}

// Encode creates the payload for value.
func (pc *payloadCodec) Encode(value interface{}) ([]byte, error) {

	var json = jsoniter.ConfigFastest
	data, err := json.Marshal(&value)
	if err != nil {
		return nil, err
	}

	if pc.compression.Enabled {
		if data, err = pc.compress(data); err != nil {
			return nil, err
		}
	}

	if pc.encryption.Enabled {
		if data, err = EncryptWithAes(data, pc.encryption.Hashkey); err != nil {
			return nil, err
		}
	}

	return data, nil
}

// Decode reads a payload created by Encode into out.
func (pc *payloadCodec) Decode(data []byte, out interface{}) error {

	var err error
	if pc.encryption.Enabled {
		if data, err = DecryptWithAes(data, pc.encryption.Hashkey); err != nil {
			return err
		}
	}

	if pc.compression.Enabled {
		if data, err = pc.decompress(data); err != nil {
			return err
		}
	}

	var json = jsoniter.ConfigFastest
	return json.Unmarshal(data, out)
}

func (pc *payloadCodec) compress(data []byte) ([]byte, error) {

	if pc.encoder != nil {
		return pc.encoder.EncodeAll(data, make([]byte, 0, len(data))), nil
	}

	buffer := &bytes.Buffer{}
	gzipWriter := gzip.NewWriter(buffer)
	if _, err := gzipWriter.Write(data); err != nil {
		return nil, err
	}

	if err := gzipWriter.Close(); err != nil {
		return nil, err
	}

	return buffer.Bytes(), nil
}

func (pc *payloadCodec) decompress(data []byte) ([]byte, error) {

	if pc.decoder != nil {
		return pc.decoder.DecodeAll(data, nil)
	}

	gzipReader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer gzipReader.Close()

	return io.ReadAll(gzipReader)
}

// Close releases the zstd encoder and decoder.
func (pc *payloadCodec) Close() {

	if pc.encoder != nil {
		_ = pc.encoder.Close()
	}

	if pc.decoder != nil {
		pc.decoder.Close()
	}
}

// deriveKey stretches passphrase and salt into an AES-256 key with Argon2id.
// Zero cost parameters fall back to one pass, one thread and 64 MiB.
func (ec *EncryptionConfig) deriveKey(passphrase, salt string) []byte {

	if passphrase == "" || salt == "" {
		return nil
	}

	passes, threads, memoryMiB := ec.TimeConsideration, ec.Threads, ec.MemoryMultiplier
	if passes == 0 {
		passes = 1
	}
	if threads == 0 {
		threads = 1
	}
	if memoryMiB == 0 {
		memoryMiB = defaultMemoryMultiplier
	}

	return argon2.IDKey([]byte(passphrase), []byte(salt), passes, memoryMiB<<10, threads, hashKeyLength)
}

// EncryptWithAes seals data with AES-GCM; the nonce is prepended to the result.
func EncryptWithAes(data, hashedKey []byte) ([]byte, error) {

	aesGcm, err := newGcm(hashedKey)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	return aesGcm.Seal(nonce, nonce, data, nil), nil
}

// DecryptWithAes opens data sealed by EncryptWithAes.
func DecryptWithAes(cipherDataWithNonce, hashedKey []byte) ([]byte, error) {

	if len(cipherDataWithNonce) <= nonceSize {
		return nil, errors.New("cipher data is shorter than its nonce")
	}

	aesGcm, err := newGcm(hashedKey)
	if err != nil {
		return nil, err
	}

	return aesGcm.Open(nil, cipherDataWithNonce[:nonceSize], cipherDataWithNonce[nonceSize:], nil)
}

func newGcm(hashedKey []byte) (cipher.AEAD, error) {

	// aes.NewCipher rejects keys that are not 16, 24 or 32 bytes.
	block, err := aes.NewCipher(hashedKey)
	if err != nil {
		return nil, err
	}

	return cipher.NewGCMWithNonceSize(block, nonceSize)
}
