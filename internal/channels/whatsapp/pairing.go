package whatsapp

import (
	"fmt"
	"io"
	"os"

	"github.com/skip2/go-qrcode"
	"golang.org/x/term"
)

// QRPrinter shows pairing codes to the operator.
type QRPrinter func(code string) error

// TerminalQR renders codes as a QR block when out is a terminal and as the
// raw code otherwise, so piped logs stay readable.
func TerminalQR(out *os.File) QRPrinter {
	return func(code string) error {
		if term.IsTerminal(int(out.Fd())) {
			return writeQR(out, code)
		}
		_, err := fmt.Fprintf(out, "WhatsApp pairing code: %s\n", code)
		return err
	}
}

func writeQR(w io.Writer, code string) error {
	qr, err := qrcode.New(code, qrcode.Medium)
	if err != nil {
		return fmt.Errorf("encode pairing code: %w", err)
	}
	_, err = fmt.Fprintf(w, "Scan this QR code with WhatsApp (Linked devices):\n%s\n", qr.ToSmallString(false))
	return err
}
