// Package auth pairs this device with a WhatsApp account.
package auth

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"
	waLog "go.mau.fi/whatsmeow/util/log"
)

// ErrQRTimeout is returned when no code was scanned in time.
var ErrQRTimeout = errors.New("QR code timeout")

// QRHandler renders pairing codes and follows the pairing flow.
type QRHandler struct {
	out  io.Writer
	file string
	log  waLog.Logger
}

// NewQRHandler creates a QRHandler printing codes to out. When file is set,
// each code is also written there as a PNG.
func NewQRHandler(out io.Writer, file string, log waLog.Logger) *QRHandler {
	return &QRHandler{out: out, file: file, log: log.Sub("QR")}
}

// Pair connects wa and runs the QR flow until the device is paired. An
// already paired device just connects.
func (h *QRHandler) Pair(ctx context.Context, wa *whatsmeow.Client) error {
	if wa.Store.ID != nil {
		h.log.Infof("Already paired as %s", wa.Store.ID)
		return wa.Connect()
	}
	qrChan, err := wa.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("failed to get QR channel: %w", err)
	}
	if err := wa.Connect(); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	return h.HandleQRChannel(ctx, qrChan)
}

// HandleQRChannel processes QR channel items until pairing succeeds or fails.
func (h *QRHandler) HandleQRChannel(ctx context.Context, qrChan <-chan whatsmeow.QRChannelItem) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case item, ok := <-qrChan:
			if !ok {
				return nil
			}
			switch item.Event {
			case "code":
				h.log.Infof("Scan the QR code below with WhatsApp (Linked Devices)")
				if err := h.display(item.Code); err != nil {
					return err
				}
			case "timeout":
				h.log.Warnf("QR code timeout - please restart to get a new QR code")
				return ErrQRTimeout
			case "success":
				h.log.Infof("Successfully paired!")
				return nil
			case "error":
				h.log.Errorf("QR error: %v", item.Error)
				return item.Error
			default:
				h.log.Debugf("QR event %s", item.Event)
			}
		}
	}
}

func (h *QRHandler) display(code string) error {
	qr, err := qrcode.New(code, qrcode.Medium)
	if err != nil {
		return fmt.Errorf("failed to generate QR code: %w", err)
	}
	fmt.Fprintln(h.out)
	fmt.Fprintln(h.out, qr.ToSmallString(false))
	if h.file != "" {
		if err := qr.WriteFile(256, h.file); err != nil {
			return fmt.Errorf("failed to save QR code: %w", err)
		}
		h.log.Infof("QR code saved to %s", h.file)
	}
	return nil
}
