package platform

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// Signer creates HMAC signatures for platform requests so the queue
// can reject spoofed workers and replayed payloads.
type Signer struct {
	secret []byte
}

func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// SignatureHeaders are attached to every signed request.
type SignatureHeaders struct {
	Signature string
	Timestamp string
	WorkerID  string
	JobID     string
}

// Sign signs one request.
// Signature format: HMAC-SHA256(timestamp|workerID|jobID|bodyHash)
func (s *Signer) Sign(workerID, jobID string, body []byte) SignatureHeaders {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	bodyHash := sha256.Sum256(body)
	message := timestamp + "|" + workerID + "|" + jobID + "|" + hex.EncodeToString(bodyHash[:])

	h := hmac.New(sha256.New, s.secret)
	h.Write([]byte(message))

	return SignatureHeaders{
		Signature: hex.EncodeToString(h.Sum(nil)),
		Timestamp: timestamp,
		WorkerID:  workerID,
		JobID:     jobID,
	}
}

// Verify checks a signature. Timestamps older than 5 minutes fail.
func (s *Signer) Verify(signature, timestamp, workerID, jobID string, body []byte) bool {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	if time.Since(time.Unix(ts, 0)) > 5*time.Minute {
		return false
	}

	bodyHash := sha256.Sum256(body)
	message := timestamp + "|" + workerID + "|" + jobID + "|" + hex.EncodeToString(bodyHash[:])

	h := hmac.New(sha256.New, s.secret)
	h.Write([]byte(message))
	expected := hex.EncodeToString(h.Sum(nil))

	return hmac.Equal([]byte(signature), []byte(expected))
}
