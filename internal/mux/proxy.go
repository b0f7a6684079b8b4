package mux

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/janekbaraniewski/paneboard/internal/apierr"
)

// PDU idents for the multiplexer proxy protocol.
const (
	identError    = 0
	identSuccess  = 10
	identSendKeys = 11
)

// writePDU frames one protocol unit: uvarint ident, uvarint serial,
// uvarint data length, data bytes.
func writePDU(w io.Writer, ident, serial uint64, data []byte) error {
	var buf []byte
	buf = binary.AppendUvarint(buf, ident)
	buf = binary.AppendUvarint(buf, serial)
	buf = binary.AppendUvarint(buf, uint64(len(data)))
	buf = append(buf, data...)
	_, err := w.Write(buf)
	return err
}

func readPDU(r *bufio.Reader) (ident, serial uint64, data []byte, err error) {
	if ident, err = binary.ReadUvarint(r); err != nil {
		return 0, 0, nil, err
	}
	if serial, err = binary.ReadUvarint(r); err != nil {
		return 0, 0, nil, err
	}
	length, err := binary.ReadUvarint(r)
	if err != nil {
		return 0, 0, nil, err
	}
	data = make([]byte, length)
	if _, err = io.ReadFull(r, data); err != nil {
		return 0, 0, nil, err
	}
	return ident, serial, data, nil
}

// Proxy sends symbolic key presses over a direct stdio channel to the
// multiplexer, bypassing the CLI paste path.
type Proxy struct {
	mu     sync.Mutex
	w      io.Writer
	r      *bufio.Reader
	serial uint64
}

func NewProxy(rw io.ReadWriter) *Proxy {
	return &Proxy{w: rw, r: bufio.NewReader(rw)}
}

// SendKeys encodes the symbolic keys and performs one request/response
// round trip. Ident 10 acknowledges, ident 0 carries a reason string.
func (p *Proxy) SendKeys(paneID string, keys []string) error {
	data, err := EncodeKeys(keys)
	if err != nil {
		return err
	}
	payload := append([]byte(paneID+"\x00"), data...)

	p.mu.Lock()
	defer p.mu.Unlock()

	p.serial++
	serial := p.serial
	if err := writePDU(p.w, identSendKeys, serial, payload); err != nil {
		return apierr.Wrap(apierr.CodeWeztermUnavailable, err, "writing to mux proxy")
	}

	for {
		ident, respSerial, data, err := readPDU(p.r)
		if err != nil {
			return apierr.Wrap(apierr.CodeWeztermUnavailable, err, "reading from mux proxy")
		}
		if respSerial != serial {
			continue
		}
		switch ident {
		case identSuccess:
			return nil
		case identError:
			return apierr.Newf(apierr.CodeWeztermUnavailable, "mux proxy: %s", string(data))
		default:
			continue
		}
	}
}

// namedKeys maps symbolic key names to the byte sequences the terminal
// expects.
var namedKeys = map[string][]byte{
	"Enter":     []byte("\r"),
	"Tab":       []byte("\t"),
	"Backspace": []byte("\x7f"),
	"Escape":    []byte("\x1b"),
	"Up":        []byte("\x1b[A"),
	"Down":      []byte("\x1b[B"),
	"Right":     []byte("\x1b[C"),
	"Left":      []byte("\x1b[D"),
	"Home":      []byte("\x1b[H"),
	"End":       []byte("\x1b[F"),
	"PageUp":    []byte("\x1b[5~"),
	"PageDown":  []byte("\x1b[6~"),
	"Space":     []byte(" "),
}

// EncodeKeys turns symbolic key names into raw bytes. "C-x" forms encode
// control characters; single printable runes pass through.
func EncodeKeys(keys []string) ([]byte, error) {
	var out []byte
	for _, key := range keys {
		if b, ok := namedKeys[key]; ok {
			out = append(out, b...)
			continue
		}
		if strings.HasPrefix(key, "C-") && len(key) == 3 {
			c := key[2]
			if c >= 'a' && c <= 'z' {
				out = append(out, c-'a'+1)
				continue
			}
			if c >= 'A' && c <= 'Z' {
				out = append(out, c-'A'+1)
				continue
			}
		}
		runes := []rune(key)
		if len(runes) == 1 {
			out = append(out, []byte(key)...)
			continue
		}
		return nil, fmt.Errorf("unknown key %q", key)
	}
	return out, nil
}
