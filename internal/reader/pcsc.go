package reader

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ebfe/scard"

	"github.com/tagauth/tagauthd/internal/config"
)

// getDataAPDU is the PC/SC GET DATA command for the card UID
// (PCSC part 3, CLA FF INS CA). Every contactless reader in the PC/SC
// ecosystem answers it with the UID plus a trailing SW1SW2 status word.
var getDataAPDU = []byte{0xFF, 0xCA, 0x00, 0x00, 0x00}

// swOK is the success status word appended to the UID.
var swOK = []byte{0x90, 0x00}

// PCSC polls every reader known to the PC/SC daemon and snapshots the
// UIDs of the cards currently present. Card presence is direct state
// here, not inferred from report recency, so there is no inactivity
// window.
type PCSC struct {
	cfg    config.PCSCReaderConfig
	sink   Sink
	logger *slog.Logger
}

// NewPCSC creates the PC/SC backend.
func NewPCSC(cfg config.PCSCReaderConfig, sink Sink, log *slog.Logger) *PCSC {
	return &PCSC{cfg: cfg, sink: sink, logger: logger(log, BackendPCSC)}
}

// Name returns the backend name.
func (p *PCSC) Name() string { return BackendPCSC }

// Run polls until ctx ends, re-establishing the PC/SC context after
// retryDelay on any daemon error.
func (p *PCSC) Run(ctx context.Context) error {
	em := newEmitter(p.sink, BackendPCSC)

	for ctx.Err() == nil {
		if err := p.poll(ctx, em); err != nil {
			p.logger.Error("pcsc context failed", slog.String("error", err.Error()))
		}

		if !sleep(ctx, retryDelay) {
			break
		}
	}

	return ctx.Err()
}

// poll runs one PC/SC context for as long as it stays healthy.
func (p *PCSC) poll(ctx context.Context, em *emitter) error {
	sctx, err := scard.EstablishContext()
	if err != nil {
		return fmt.Errorf("establish pcsc context: %w", err)
	}
	defer sctx.Release()

	p.logger.Info("pcsc context established")

	for ctx.Err() == nil {
		readers, err := sctx.ListReaders()
		if err != nil && err != scard.ErrNoReadersAvailable {
			return fmt.Errorf("list readers: %w", err)
		}

		snap := make([]string, 0, len(readers))

		for _, r := range readers {
			u, readErr := p.readUID(sctx, r)
			if readErr != nil {
				// No card, card in use, card gone mid-read: absence,
				// not backend failure.
				continue
			}

			if u != "" {
				snap = append(snap, u)
			}
		}

		em.emit(snap)

		if !sleep(ctx, p.cfg.ReadEvery) {
			break
		}
	}

	return nil
}

// readUID connects to one reader and asks the present card for its UID.
func (p *PCSC) readUID(sctx *scard.Context, reader string) (string, error) {
	card, err := sctx.Connect(reader, scard.ShareShared, scard.ProtocolAny)
	if err != nil {
		return "", fmt.Errorf("connect %s: %w", reader, err)
	}
	defer card.Disconnect(scard.LeaveCard)

	resp, err := card.Transmit(getDataAPDU)
	if err != nil {
		return "", fmt.Errorf("transmit to %s: %w", reader, err)
	}

	if len(resp) < len(swOK) ||
		resp[len(resp)-2] != swOK[0] || resp[len(resp)-1] != swOK[1] {
		return "", fmt.Errorf("get data on %s: bad status word", reader)
	}

	return normalizeLine(fmt.Sprintf("%X", resp[:len(resp)-2])), nil
}
