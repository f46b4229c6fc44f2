// Package consumer binds external message sources to index writers: it
// decodes length-prefixed IndexOperation envelopes, applies them through a
// writer holder and coordinates offset commits with index commits.
package consumer

import (
	"encoding/binary"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// ConflictStrategy governs duplicate primary keys at ingestion time.
type ConflictStrategy int32

const (
	// ConflictDoNothing adds the incoming document without deleting by
	// primary key first; an existing document with the same key stays.
	ConflictDoNothing ConflictStrategy = 0
	// ConflictOverwriteAlways deletes the existing document first.
	ConflictOverwriteAlways ConflictStrategy = 1
	// ConflictOverwrite deletes by primary key (the unique-fields variant
	// reduces to primary-key semantics here).
	ConflictOverwrite ConflictStrategy = 2
)

// Protobuf field numbers of the IndexOperation envelope:
//
//	IndexOperation { oneof operation { IndexDocumentOperation index_document = 1 } }
//	IndexDocumentOperation { bytes document = 1; ConflictStrategy conflict_strategy = 2 }
const (
	fieldIndexDocument    = 1
	fieldDocument         = 1
	fieldConflictStrategy = 2
)

var (
	ErrEmptyPayload   = errors.New("empty payload")
	ErrEmptyOperation = errors.New("envelope carries no operation")
	ErrBadEnvelope    = errors.New("malformed operation envelope")
)

// IndexDocumentOperation carries one JSON document to index.
type IndexDocumentOperation struct {
	Document         []byte
	ConflictStrategy ConflictStrategy
}

// IndexOperation is the decoded envelope.
type IndexOperation struct {
	IndexDocument *IndexDocumentOperation
}

// DecodeOperation parses a length-prefixed IndexOperation envelope.
func DecodeOperation(payload []byte) (*IndexOperation, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}
	length, n := binary.Uvarint(payload)
	if n <= 0 || uint64(len(payload)-n) < length {
		return nil, fmt.Errorf("%w: bad length prefix", ErrBadEnvelope)
	}
	return decodeEnvelope(payload[n : n+int(length)])
}

func decodeEnvelope(message []byte) (*IndexOperation, error) {
	op := &IndexOperation{}
	for len(message) > 0 {
		num, typ, n := protowire.ConsumeTag(message)
		if n < 0 {
			return nil, fmt.Errorf("%w: bad tag", ErrBadEnvelope)
		}
		message = message[n:]
		switch {
		case num == fieldIndexDocument && typ == protowire.BytesType:
			inner, n := protowire.ConsumeBytes(message)
			if n < 0 {
				return nil, fmt.Errorf("%w: bad index_document", ErrBadEnvelope)
			}
			message = message[n:]
			decoded, err := decodeIndexDocument(inner)
			if err != nil {
				return nil, err
			}
			op.IndexDocument = decoded
		default:
			n := protowire.ConsumeFieldValue(num, typ, message)
			if n < 0 {
				return nil, fmt.Errorf("%w: bad field %d", ErrBadEnvelope, num)
			}
			message = message[n:]
		}
	}
	if op.IndexDocument == nil {
		return nil, ErrEmptyOperation
	}
	return op, nil
}

func decodeIndexDocument(message []byte) (*IndexDocumentOperation, error) {
	out := &IndexDocumentOperation{}
	for len(message) > 0 {
		num, typ, n := protowire.ConsumeTag(message)
		if n < 0 {
			return nil, fmt.Errorf("%w: bad tag", ErrBadEnvelope)
		}
		message = message[n:]
		switch {
		case num == fieldDocument && typ == protowire.BytesType:
			document, n := protowire.ConsumeBytes(message)
			if n < 0 {
				return nil, fmt.Errorf("%w: bad document", ErrBadEnvelope)
			}
			message = message[n:]
			out.Document = append([]byte(nil), document...)
		case num == fieldConflictStrategy && typ == protowire.VarintType:
			strategy, n := protowire.ConsumeVarint(message)
			if n < 0 {
				return nil, fmt.Errorf("%w: bad conflict_strategy", ErrBadEnvelope)
			}
			message = message[n:]
			out.ConflictStrategy = ConflictStrategy(strategy)
		default:
			n := protowire.ConsumeFieldValue(num, typ, message)
			if n < 0 {
				return nil, fmt.Errorf("%w: bad field %d", ErrBadEnvelope, num)
			}
			message = message[n:]
		}
	}
	return out, nil
}

// EncodeOperation renders the length-prefixed envelope; producers and tests
// use it.
func EncodeOperation(op *IndexOperation) ([]byte, error) {
	if op.IndexDocument == nil {
		return nil, ErrEmptyOperation
	}
	var inner []byte
	inner = protowire.AppendTag(inner, fieldDocument, protowire.BytesType)
	inner = protowire.AppendBytes(inner, op.IndexDocument.Document)
	if op.IndexDocument.ConflictStrategy != 0 {
		inner = protowire.AppendTag(inner, fieldConflictStrategy, protowire.VarintType)
		inner = protowire.AppendVarint(inner, uint64(op.IndexDocument.ConflictStrategy))
	}

	var envelope []byte
	envelope = protowire.AppendTag(envelope, fieldIndexDocument, protowire.BytesType)
	envelope = protowire.AppendBytes(envelope, inner)

	out := binary.AppendUvarint(nil, uint64(len(envelope)))
	return append(out, envelope...), nil
}
