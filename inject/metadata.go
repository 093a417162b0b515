package inject

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/georgepadayatti/goesign/pdf/metadata"
	"github.com/georgepadayatti/goesign/pdf/writer"
)

// EmbedAuditMetadata stores packet as the document's XMP metadata stream,
// replacing any earlier packet in the new revision.
func (e *Engine) EmbedAuditMetadata(ctx context.Context, pdf []byte, packet metadata.AuditPacket) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r, err := e.load(pdf)
	if err != nil {
		return nil, err
	}
	if packet.ModifiedAt.IsZero() {
		packet.ModifiedAt = e.now().UTC()
	}
	xmp, err := packet.Bytes()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize audit metadata: %w", err)
	}

	w := writer.NewIncrementalWriter(r)
	w.SetStreamXRefs(e.streamXRefs)
	w.SetMetadata(xmp)
	out, err := w.Bytes()
	if err != nil {
		return nil, fmt.Errorf("failed to write update: %w", err)
	}
	e.logger.Debug("embedded audit metadata",
		zap.String("envelope_id", packet.EnvelopeID),
		zap.Int("entries", len(packet.Entries)))
	return out, nil
}
