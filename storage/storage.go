// Package storage provides the S3-compatible audit archive. Every reminder
// the engine dispatches, and every reply that settles a follow-up, can be
// archived as the raw RFC 5322 message under a BLAKE3-derived key; the key is
// recorded next to the reminder event so an operator can pull the exact bytes
// later.
//
// Archiving is best effort. The engine persists reminders before archiving
// them and never fails a tick over an archive error.
//
// When encryption is enabled, messages are encrypted client-side using
// AES-256-GCM before upload. The encryption key is configured in config.toml
// and must be a 32-byte hex-encoded string.
package storage

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/chaserhq/chaser/consts"
	"github.com/chaserhq/chaser/logger"
	"github.com/chaserhq/chaser/pkg/metrics"
	"github.com/chaserhq/chaser/pkg/retry"
)

// Archive is the S3 client for the message audit archive.
type Archive struct {
	Client        *minio.Client
	BucketName    string
	Encrypt       bool
	EncryptionKey []byte
}

// New initializes the archive client. trace turns on request/response dumps
// for debugging.
func New(endpoint, accessKeyID, secretAccessKey, bucketName string, useSSL bool, trace bool) (*Archive, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKeyID, secretAccessKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		logger.Error("[ARCHIVE] failed to initialize S3 client", "endpoint", endpoint, "error", err)
		return nil, fmt.Errorf("failed to initialize S3 client: %w", err)
	}

	if trace {
		client.TraceOn(os.Stdout)
	}

	return &Archive{
		Client:     client,
		BucketName: bucketName,
	}, nil
}

// EnableEncryption turns on client-side encryption for archived messages.
func (s *Archive) EnableEncryption(encryptionKey string) error {
	if encryptionKey == "" {
		return fmt.Errorf("encryption key is required when encryption is enabled")
	}

	masterKey, err := hex.DecodeString(encryptionKey)
	if err != nil {
		return fmt.Errorf("failed to decode encryption key: %w", err)
	}
	if len(masterKey) != 32 {
		return fmt.Errorf("encryption key must be 32 bytes (64 hex characters)")
	}

	s.Encrypt = true
	s.EncryptionKey = masterKey
	logger.Info("[ARCHIVE] client-side encryption enabled")
	return nil
}

// Exists checks whether an object with the given key is already archived.
func (s *Archive) Exists(key string) (bool, error) {
	_, err := s.Client.StatObject(context.Background(), s.BucketName, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}

	var minioErr minio.ErrorResponse
	if errors.As(err, &minioErr) && minioErr.StatusCode == 404 {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat object %s: %w", key, err)
}

// Put archives one message under key. The same content hashes to the same
// key, so re-archiving after a crash overwrites with identical bytes.
func (s *Archive) Put(key string, raw []byte) error {
	start := time.Now()

	data := raw
	if s.Encrypt {
		encrypted, err := s.encryptData(raw)
		if err != nil {
			metrics.S3UploadAttempts.WithLabelValues("failure").Inc()
			return fmt.Errorf("failed to encrypt message: %w", err)
		}
		data = encrypted
	}

	// The reader is rebuilt per attempt because PutObject consumes it.
	config := retry.BackoffConfig{
		InitialInterval: 1 * time.Second,
		MaxInterval:     10 * time.Second,
		Multiplier:      2.0,
		Jitter:          true,
		MaxRetries:      2,
	}
	err := retry.WithRetry(context.Background(), func() error {
		_, putErr := s.Client.PutObject(
			context.Background(),
			s.BucketName,
			key,
			bytes.NewReader(data),
			int64(len(data)),
			minio.PutObjectOptions{SendContentMd5: true},
		)
		if putErr != nil {
			metrics.S3OperationsTotal.WithLabelValues("PUT", classifyS3Error(putErr)).Inc()
			metrics.S3UploadAttempts.WithLabelValues("failure").Inc()
		}
		return putErr
	}, config)
	if err == nil {
		metrics.S3OperationsTotal.WithLabelValues("PUT", "success").Inc()
		metrics.S3UploadAttempts.WithLabelValues("success").Inc()
	}
	metrics.S3OperationDuration.WithLabelValues("PUT").Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("%w: %v", consts.ErrArchiveUploadFailed, err)
	}
	return nil
}

// Get retrieves an archived message, decrypting when encryption is enabled.
func (s *Archive) Get(key string) (io.ReadCloser, error) {
	start := time.Now()

	object, err := s.Client.GetObject(context.Background(), s.BucketName, key, minio.GetObjectOptions{})
	if err != nil {
		metrics.S3OperationsTotal.WithLabelValues("GET", classifyS3Error(err)).Inc()
		metrics.S3OperationDuration.WithLabelValues("GET").Observe(time.Since(start).Seconds())
		return nil, err
	}

	if s.Encrypt {
		encryptedData, err := io.ReadAll(object)
		if err != nil {
			metrics.S3OperationsTotal.WithLabelValues("GET", classifyS3Error(err)).Inc()
			metrics.S3OperationDuration.WithLabelValues("GET").Observe(time.Since(start).Seconds())
			return nil, fmt.Errorf("failed to read encrypted message: %w", err)
		}
		if err := object.Close(); err != nil {
			logger.Warn("[ARCHIVE] failed to close S3 object", "error", err)
		}

		decryptedData, err := s.decryptData(encryptedData)
		if err != nil {
			metrics.S3OperationsTotal.WithLabelValues("GET", "decrypt_error").Inc()
			metrics.S3OperationDuration.WithLabelValues("GET").Observe(time.Since(start).Seconds())
			return nil, fmt.Errorf("failed to decrypt message: %w", err)
		}

		metrics.S3OperationsTotal.WithLabelValues("GET", "success").Inc()
		metrics.S3OperationDuration.WithLabelValues("GET").Observe(time.Since(start).Seconds())
		return io.NopCloser(bytes.NewReader(decryptedData)), nil
	}

	metrics.S3OperationsTotal.WithLabelValues("GET", "success").Inc()
	metrics.S3OperationDuration.WithLabelValues("GET").Observe(time.Since(start).Seconds())
	return object, nil
}

// Delete removes an archived message. Deleting a key that is already gone
// succeeds, so the retention sweeper can replay a partial pass.
func (s *Archive) Delete(key string) error {
	start := time.Now()

	exists, err := s.Exists(key)
	if err != nil {
		metrics.S3OperationsTotal.WithLabelValues("DELETE", classifyS3Error(err)).Inc()
		metrics.S3OperationDuration.WithLabelValues("DELETE").Observe(time.Since(start).Seconds())
		return err
	}
	if !exists {
		metrics.S3OperationsTotal.WithLabelValues("DELETE", "skipped").Inc()
		metrics.S3OperationDuration.WithLabelValues("DELETE").Observe(time.Since(start).Seconds())
		return nil
	}

	err = s.Client.RemoveObject(context.Background(), s.BucketName, key, minio.RemoveObjectOptions{})
	if err != nil {
		metrics.S3OperationsTotal.WithLabelValues("DELETE", classifyS3Error(err)).Inc()
	} else {
		metrics.S3OperationsTotal.WithLabelValues("DELETE", "success").Inc()
	}
	metrics.S3OperationDuration.WithLabelValues("DELETE").Observe(time.Since(start).Seconds())
	return err
}

// HealthCheck probes the archive bucket.
func (s *Archive) HealthCheck(ctx context.Context) error {
	exists, err := s.Client.BucketExists(ctx, s.BucketName)
	if err != nil {
		return fmt.Errorf("archive bucket check failed: %w", err)
	}
	if !exists {
		return fmt.Errorf("archive bucket %q does not exist", s.BucketName)
	}
	return nil
}

// encryptData encrypts data using AES-256-GCM.
func (s *Archive) encryptData(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.EncryptionKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// decryptData decrypts data using AES-256-GCM.
func (s *Archive) decryptData(ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.EncryptionKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]

	return gcm.Open(nil, nonce, ciphertext, nil)
}

// classifyS3Error buckets S3 errors for metrics.
func classifyS3Error(err error) string {
	if err == nil {
		return "none"
	}

	errStr := err.Error()
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case strings.Contains(errStr, "AccessDenied") || strings.Contains(errStr, "Forbidden"):
		return "access_denied"
	case strings.Contains(errStr, "NoSuchKey") || strings.Contains(errStr, "NotFound"):
		return "not_found"
	case strings.Contains(errStr, "SlowDown") || strings.Contains(errStr, "RequestLimitExceeded"):
		return "throttled"
	case strings.Contains(errStr, "connection refused") || strings.Contains(errStr, "no such host"):
		return "network_error"
	default:
		return "unknown"
	}
}
