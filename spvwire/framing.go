package spvwire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// MessageHeaderSize is the number of bytes in a message header: network
// magic (4), command (12), payload length (4) and checksum (4).
const MessageHeaderSize = 24

var (
	// ErrWrongNetwork is returned when a message carries the magic of a
	// different network.
	ErrWrongNetwork = errors.New("message from other network")

	// ErrPayloadTooLarge is returned when a header announces a payload
	// above the protocol limit.
	ErrPayloadTooLarge = errors.New("message payload too large")

	// ErrBadChecksum is returned when the payload does not hash to the
	// checksum in the header.
	ErrBadChecksum = errors.New("message payload checksum mismatch")
)

// messageHeader is the framing preceding every payload.
type messageHeader struct {
	magic    wire.BitcoinNet
	command  string
	length   uint32
	checksum [4]byte
}

// readMessageHeader reads and decodes the 24 byte message header.
func readMessageHeader(r io.Reader) (int, *messageHeader, error) {
	var raw [MessageHeaderSize]byte
	n, err := io.ReadFull(r, raw[:])
	if err != nil {
		return n, nil, err
	}

	hdr := &messageHeader{
		magic:  wire.BitcoinNet(binary.LittleEndian.Uint32(raw[0:4])),
		length: binary.LittleEndian.Uint32(raw[16:20]),
	}
	copy(hdr.checksum[:], raw[20:24])
	hdr.command = string(bytes.TrimRight(raw[4:16], "\x00"))

	return n, hdr, nil
}

// ReadMessage reads, validates and parses the next message from r. Commands
// no parser of the chain understands are returned as *MsgUnknown so callers
// can skip them without dropping the connection.
func ReadMessage(r io.Reader, pver uint32, net wire.BitcoinNet,
	parser MessageParser) (int, wire.Message, error) {

	n, hdr, err := readMessageHeader(r)
	if err != nil {
		return n, nil, err
	}

	if hdr.magic != net {
		return n, nil, fmt.Errorf("%w: got magic %v, want %v",
			ErrWrongNetwork, hdr.magic, net)
	}
	if hdr.length > wire.MaxMessagePayload {
		return n, nil, fmt.Errorf("%w: %d bytes for %q",
			ErrPayloadTooLarge, hdr.length, hdr.command)
	}

	payload := make([]byte, hdr.length)
	read, err := io.ReadFull(r, payload)
	n += read
	if err != nil {
		return n, nil, err
	}

	checksum := chainhash.DoubleHashB(payload)[:4]
	if !bytes.Equal(checksum, hdr.checksum[:]) {
		return n, nil, fmt.Errorf("%w: command %q", ErrBadChecksum,
			hdr.command)
	}

	msg, ok, err := parser.Parse(hdr.command, payload, pver)
	switch {
	case err != nil:
		return n, nil, fmt.Errorf("unable to parse %q: %w",
			hdr.command, err)

	case !ok:
		log.Tracef("Skipping unknown command %q (%d bytes)",
			hdr.command, len(payload))

		return n, &MsgUnknown{Cmd: hdr.command, Payload: payload}, nil
	}

	return n, msg, nil
}

// WriteMessage frames and writes msg to w.
func WriteMessage(w io.Writer, msg wire.Message, pver uint32,
	net wire.BitcoinNet) (int, error) {

	return wire.WriteMessageN(w, msg, pver, net)
}

// MsgUnknown carries a message whose command is not understood.
type MsgUnknown struct {
	Cmd     string
	Payload []byte
}

// A compile-time check to ensure MsgUnknown implements wire.Message.
var _ wire.Message = (*MsgUnknown)(nil)

// BtcDecode reads the remaining payload.
func (m *MsgUnknown) BtcDecode(r io.Reader, _ uint32,
	_ wire.MessageEncoding) error {

	payload, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.Payload = payload

	return nil
}

// BtcEncode writes the raw payload.
func (m *MsgUnknown) BtcEncode(w io.Writer, _ uint32,
	_ wire.MessageEncoding) error {

	_, err := w.Write(m.Payload)
	return err
}

// Command returns the command of the unknown message.
func (m *MsgUnknown) Command() string {
	return m.Cmd
}

// MaxPayloadLength returns the protocol limit.
func (m *MsgUnknown) MaxPayloadLength(_ uint32) uint32 {
	return wire.MaxMessagePayload
}
