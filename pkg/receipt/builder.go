// Package receipt builds, signs and persists transform receipts: the
// content-addressed records that chain an input, a map and an output
// through a BLAKE3 linkage hash.
package receipt

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/odin-protocol/gateway/pkg/envelope"
	"github.com/odin-protocol/gateway/pkg/keys"
	"github.com/odin-protocol/gateway/pkg/ledger"
	"github.com/odin-protocol/gateway/pkg/oml"
	"github.com/odin-protocol/gateway/pkg/ope"
	"github.com/odin-protocol/gateway/pkg/storage"
	"github.com/odin-protocol/gateway/pkg/translate"
)

// Subject is the canonical record bound into the receipt signature.
type Subject struct {
	V                int    `json:"v"`
	Type             string `json:"type"`
	SftFrom          string `json:"sft_from"`
	SftTo            string `json:"sft_to"`
	InputSHA256B64U  string `json:"input_sha256_b64u"`
	OutputSHA256B64U string `json:"output_sha256_b64u"`
	MapID            string `json:"map_id"`
	MapSHA256B64U    string `json:"map_sha256_b64u"`
	OutOmlCID        string `json:"out_oml_cid,omitempty"`
}

// TransformReceipt is the persisted receipt document.
type TransformReceipt struct {
	V           int                `json:"v"`
	Subject     Subject            `json:"subject"`
	LinkageB64U string             `json:"linkage_hash_b3_256_b64u"`
	Envelope    envelope.Envelope  `json:"envelope"`
	Translation *translate.Receipt `json:"translation,omitempty"`
}

// Key returns the storage key the receipt is persisted under: the output
// SHA-256, the one keying convention used across all stages.
func (r *TransformReceipt) Key() string {
	return storage.KeyPrefixTransformReceipt + r.Subject.OutputSHA256B64U + ".json"
}

// BuildInput carries everything needed to assemble one receipt.
type BuildInput struct {
	Input    map[string]any
	Output   map[string]any
	SftFrom  string
	SftTo    string
	MapID    string
	MapObj   any    // canonicalized unless MapBytes is set
	MapBytes []byte // raw map bytes, used verbatim when present

	OutOmlCID   string
	CanonAlg    string
	Stage       string
	Translation *translate.Receipt
}

// FailureRecorder counts ledger index failures on the persist path.
type FailureRecorder interface {
	RecordLedgerAppendFailure(ctx context.Context, attrs ...attribute.KeyValue)
}

// Builder signs and persists transform receipts. Persistence failures are
// the caller's to treat as soft; Build itself has no side effects.
type Builder struct {
	Keys           *keys.Keystore
	Store          storage.Store
	Ledger         ledger.Ledger
	JWKSURL        string
	AllowOverwrite bool
	Redact         []string
	Logger         *slog.Logger
	Obs            FailureRecorder
}

func (b *Builder) logger() *slog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return slog.Default()
}

// Build assembles and signs a receipt without persisting it.
func (b *Builder) Build(in BuildInput) (*TransformReceipt, error) {
	alg := in.CanonAlg
	if alg == "" {
		alg = oml.AlgJSON
	}

	inBytes, err := oml.Canonicalize(in.Input, alg)
	if err != nil {
		return nil, fmt.Errorf("receipt: canonicalize input: %w", err)
	}
	outBytes, err := oml.Canonicalize(in.Output, alg)
	if err != nil {
		return nil, fmt.Errorf("receipt: canonicalize output: %w", err)
	}
	mapBytes := in.MapBytes
	if mapBytes == nil {
		mapBytes, err = oml.Canonicalize(in.MapObj, alg)
		if err != nil {
			return nil, fmt.Errorf("receipt: canonicalize map: %w", err)
		}
	}

	inSHA := sha256.Sum256(inBytes)
	outSHA := sha256.Sum256(outBytes)
	mapSHA := sha256.Sum256(mapBytes)

	subject := Subject{
		V:                1,
		Type:             "transform",
		SftFrom:          in.SftFrom,
		SftTo:            in.SftTo,
		InputSHA256B64U:  base64.RawURLEncoding.EncodeToString(inSHA[:]),
		OutputSHA256B64U: base64.RawURLEncoding.EncodeToString(outSHA[:]),
		MapID:            in.MapID,
		MapSHA256B64U:    base64.RawURLEncoding.EncodeToString(mapSHA[:]),
		OutOmlCID:        in.OutOmlCID,
	}

	// Linkage binds the raw digests, not their base64 forms.
	linkage := linkageHash(inSHA, mapSHA, outSHA)

	subjBytes, err := oml.Canonicalize(subject, oml.AlgJSON)
	if err != nil {
		return nil, fmt.Errorf("receipt: canonicalize subject: %w", err)
	}
	subjCID := oml.CID(subjBytes)

	signer, err := b.Keys.Signer()
	if err != nil {
		return nil, fmt.Errorf("receipt: %w", err)
	}
	rec, err := ope.Sign(signer, subjBytes, subjCID)
	if err != nil {
		return nil, fmt.Errorf("receipt: sign subject: %w", err)
	}

	return &TransformReceipt{
		V:           1,
		Subject:     subject,
		LinkageB64U: base64.RawURLEncoding.EncodeToString(linkage),
		Envelope: envelope.Envelope{
			OmlCID:  subjCID,
			KID:     signer.KID,
			OPE:     rec,
			JWKSURL: b.JWKSURL,
		},
		Translation: redactTranslation(in.Translation, b.Redact),
	}, nil
}

// Persist writes the receipt (idempotently unless AllowOverwrite) and
// appends a ledger event. It returns the storage key and access URL.
func (b *Builder) Persist(ctx context.Context, r *TransformReceipt, mapID, stage, inCID string) (key, url string, err error) {
	key = r.Key()

	exists, err := b.Store.Exists(ctx, key)
	if err != nil {
		return key, "", fmt.Errorf("receipt: exists %s: %w", key, err)
	}
	if exists && !b.AllowOverwrite {
		return key, b.Store.URLFor(ctx, key), nil
	}

	data, err := oml.Canonicalize(r, oml.AlgJSON)
	if err != nil {
		return key, "", fmt.Errorf("receipt: marshal: %w", err)
	}
	url, err = b.Store.Put(ctx, key, data, "application/json", nil)
	if err != nil {
		return key, "", fmt.Errorf("receipt: persist %s: %w", key, err)
	}
	if url == "" {
		url = b.Store.URLFor(ctx, key)
	}

	if _, err := b.Ledger.Append(ctx, ledger.Event{
		Kind:       ledger.KindTransformReceipt,
		OutCID:     r.Subject.OutputSHA256B64U,
		InCID:      inCID,
		Map:        mapID,
		Stage:      stage,
		ReceiptKey: key,
		ReceiptURL: url,
	}); err != nil {
		// Ledger append is a soft path: the receipt is durable, the index
		// entry is not.
		b.logger().Warn("ledger append failed", "key", key, "err", err)
		if b.Obs != nil {
			b.Obs.RecordLedgerAppendFailure(ctx)
		}
	}
	return key, url, nil
}

func linkageHash(inSHA, mapSHA, outSHA [32]byte) []byte {
	buf := make([]byte, 0, 32*3+2)
	buf = append(buf, inSHA[:]...)
	buf = append(buf, 0x1F)
	buf = append(buf, mapSHA[:]...)
	buf = append(buf, 0x1F)
	buf = append(buf, outSHA[:]...)
	sum := oml.Blake3(buf)
	return sum[:]
}

// redactTranslation strips provenance values for the listed fields before
// persistence.
func redactTranslation(tr *translate.Receipt, redact []string) *translate.Receipt {
	if tr == nil || len(redact) == 0 {
		return tr
	}
	fields := make(map[string]bool, len(redact))
	for _, f := range redact {
		fields[f] = true
	}
	cp := *tr
	cp.Provenance = make([]translate.ProvenanceEntry, len(tr.Provenance))
	copy(cp.Provenance, tr.Provenance)
	for i, p := range cp.Provenance {
		if fields[p.SourceField] || fields[p.TargetField] {
			if p.SourceValue != nil {
				cp.Provenance[i].SourceValue = "[REDACTED]"
			}
			if p.TargetValue != nil {
				cp.Provenance[i].TargetValue = "[REDACTED]"
			}
		}
	}
	return &cp
}
