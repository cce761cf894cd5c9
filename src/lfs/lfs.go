// Package lfs defines the Git LFS batch API: requests, responses, the error taxonomy
// and the transfer strategies which turn a batch request into actions against a Repository.
package lfs

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// MediaType is the content type of every batch API response, including errors.
const MediaType = "application/vnd.git-lfs+json; charset=utf-8"

// HashAlgo_SHA256 is the only object hash algorithm supported by the batch API.
const HashAlgo_SHA256 = "sha256"

// Operation declares the intent of a client for a batch of objects.
type Operation string

const (
	Upload   Operation = "upload"
	Download Operation = "download"
	Verify   Operation = "verify"
)

func ParseOperation(s string) (Operation, error) {
	switch op := Operation(s); op {
	case Upload, Download, Verify:
		return op, nil
	}
	return "", Errorf(Validation, "unsupported operation %q", s)
}

func (op *Operation) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	x, err := ParseOperation(s)
	if err != nil {
		return err
	}
	*op = x
	return nil
}

// OIDSize is the number of bytes in an OID.
const OIDSize = sha256.Size

// OID identifies a large object by the SHA-256 of its content.
type OID [OIDSize]byte

// ParseOID parses the 64 character lower case hex form of an OID.
func ParseOID(s string) (OID, error) {
	var ret OID
	if len(s) != 2*OIDSize {
		return OID{}, fmt.Errorf("invalid oid %q: wrong length %d", s, len(s))
	}
	if strings.ToLower(s) != s {
		return OID{}, fmt.Errorf("invalid oid %q: must be lower case", s)
	}
	if _, err := hex.Decode(ret[:], []byte(s)); err != nil {
		return OID{}, fmt.Errorf("invalid oid %q: %w", s, err)
	}
	return ret, nil
}

// Hash returns the OID of data.
func Hash(data []byte) OID {
	return OID(sha256.Sum256(data))
}

func (o OID) String() string {
	return hex.EncodeToString(o[:])
}

func (o OID) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

func (o *OID) UnmarshalText(data []byte) error {
	x, err := ParseOID(string(data))
	if err != nil {
		return err
	}
	*o = x
	return nil
}

// Ref is the git ref a batch request is made on behalf of.
type Ref struct {
	Name string `json:"name"`
}

// ObjectSpec is one object in a batch request.
// The OID is kept as the client sent it; Size is advisory.
type ObjectSpec struct {
	OID  string `json:"oid"`
	Size int64  `json:"size"`
}

// BatchRequest is the body of a batch API call.
type BatchRequest struct {
	Operation Operation    `json:"operation"`
	Transfers []string     `json:"transfers,omitempty"`
	Ref       *Ref         `json:"ref,omitempty"`
	Objects   []ObjectSpec `json:"objects"`
	HashAlgo  string       `json:"hash_algo,omitempty"`
}

// Validate checks the objects in the request.
// All failures are Validation errors.
func (r *BatchRequest) Validate() error {
	if _, err := ParseOperation(string(r.Operation)); err != nil {
		return err
	}
	if r.HashAlgo != "" && r.HashAlgo != HashAlgo_SHA256 {
		return Errorf(Validation, "unsupported hash algorithm %q", r.HashAlgo)
	}
	for i, obj := range r.Objects {
		if _, err := ParseOID(obj.OID); err != nil {
			return Errorf(Validation, "object %d: %v", i, err)
		}
		if obj.Size < 0 {
			return Errorf(Validation, "object %d: negative size %d", i, obj.Size)
		}
	}
	return nil
}

// BatchResponse is produced by a Strategy.
type BatchResponse struct {
	Transfer string           `json:"transfer,omitempty"`
	Objects  []ObjectResponse `json:"objects"`
	HashAlgo string           `json:"hash_algo,omitempty"`
}

// ObjectResponse describes what the client should do with one object.
type ObjectResponse struct {
	OID           string             `json:"oid"`
	Size          int64              `json:"size"`
	Authenticated bool               `json:"authenticated,omitempty"`
	Actions       map[string]*Action `json:"actions,omitempty"`
	Error         *ObjectError       `json:"error,omitempty"`
}

// Action is a request the client makes to transfer an object.
type Action struct {
	Href      string            `json:"href"`
	Header    map[string]string `json:"header,omitempty"`
	ExpiresIn int               `json:"expires_in,omitempty"`
	ExpiresAt *time.Time        `json:"expires_at,omitempty"`
}

// ObjectError is a per-object failure.  It does not change the HTTP status of the batch.
type ObjectError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// VerifyRequest is the body sent to a verify action.
type VerifyRequest struct {
	OID  string `json:"oid"`
	Size int64  `json:"size"`
}
