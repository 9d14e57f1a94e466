package receipt

import (
	"context"
	"fmt"

	"github.com/odin-protocol/gateway/pkg/envelope"
	"github.com/odin-protocol/gateway/pkg/ledger"
	"github.com/odin-protocol/gateway/pkg/oml"
	"github.com/odin-protocol/gateway/pkg/ope"
	"github.com/odin-protocol/gateway/pkg/storage"
)

// HopSubject records one forwarding hop of a bridged request.
type HopSubject struct {
	V                 int    `json:"v"`
	Type              string `json:"type"`
	TraceID           string `json:"trace_id"`
	Hop               int    `json:"hop"`
	Target            string `json:"target"`
	URL               string `json:"url"`
	RequestSHA256B64U string `json:"request_sha256_b64u"`
	Status            int    `json:"status,omitempty"`
	Outcome           string `json:"outcome"`
	TsNS              int64  `json:"ts_ns"`
}

// HopReceipt is the persisted hop record, signed like a transform receipt.
type HopReceipt struct {
	V        int               `json:"v"`
	Subject  HopSubject        `json:"subject"`
	Envelope envelope.Envelope `json:"envelope"`
}

// Key returns the hop receipt's storage key.
func (r *HopReceipt) Key() string {
	return fmt.Sprintf("%s%s-%d.json", storage.KeyPrefixHopReceipt, r.Subject.TraceID, r.Subject.Hop)
}

// BuildHop signs a hop subject.
func (b *Builder) BuildHop(sub HopSubject) (*HopReceipt, error) {
	sub.V = 1
	sub.Type = "hop"

	subjBytes, err := oml.Canonicalize(sub, oml.AlgJSON)
	if err != nil {
		return nil, fmt.Errorf("receipt: canonicalize hop subject: %w", err)
	}
	subjCID := oml.CID(subjBytes)

	signer, err := b.Keys.Signer()
	if err != nil {
		return nil, fmt.Errorf("receipt: %w", err)
	}
	rec, err := ope.Sign(signer, subjBytes, subjCID)
	if err != nil {
		return nil, fmt.Errorf("receipt: sign hop subject: %w", err)
	}

	return &HopReceipt{
		V:       1,
		Subject: sub,
		Envelope: envelope.Envelope{
			OmlCID:  subjCID,
			KID:     signer.KID,
			OPE:     rec,
			JWKSURL: b.JWKSURL,
		},
	}, nil
}

// PersistHop writes the hop receipt and appends a ledger event.
func (b *Builder) PersistHop(ctx context.Context, r *HopReceipt) (key, url string, err error) {
	key = r.Key()

	data, err := oml.Canonicalize(r, oml.AlgJSON)
	if err != nil {
		return key, "", fmt.Errorf("receipt: marshal hop: %w", err)
	}
	url, err = b.Store.Put(ctx, key, data, "application/json", nil)
	if err != nil {
		return key, "", fmt.Errorf("receipt: persist hop %s: %w", key, err)
	}
	if url == "" {
		url = b.Store.URLFor(ctx, key)
	}

	if _, err := b.Ledger.Append(ctx, ledger.Event{
		Kind:       ledger.KindHopReceipt,
		OutCID:     r.Subject.RequestSHA256B64U,
		Map:        r.Subject.Target,
		Stage:      "bridge",
		ReceiptKey: key,
		ReceiptURL: url,
		Extra: map[string]any{
			"trace_id": r.Subject.TraceID,
			"hop":      r.Subject.Hop,
			"outcome":  r.Subject.Outcome,
		},
	}); err != nil {
		b.logger().Warn("ledger append failed", "key", key, "err", err)
		if b.Obs != nil {
			b.Obs.RecordLedgerAppendFailure(ctx)
		}
	}
	return key, url, nil
}
