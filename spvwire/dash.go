package spvwire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

const (
	// CmdGetMNListDiff requests a masternode list diff.
	CmdGetMNListDiff = "getmnlistd"

	// CmdMNListDiff carries a masternode list diff.
	CmdMNListDiff = "mnlistdiff"

	// CmdISLock carries an instant send lock.
	CmdISLock = "islock"

	// InvTypeISLock is the inventory type of an instant send lock.
	InvTypeISLock wire.InvType = 30

	// maxDashListEntries bounds the list sizes accepted in a diff.
	maxDashListEntries = 100000

	// blsSignatureSize and blsPubKeySize are the sizes of serialized BLS
	// signatures and public keys.
	blsSignatureSize = 96
	blsPubKeySize    = 48

	// dashTxTypeCoinbase is the special transaction type of the coinbase
	// payload.
	dashTxTypeCoinbase = 5
)

var le = binary.LittleEndian

// MsgGetMNListDiff requests the masternode list changes between two blocks.
type MsgGetMNListDiff struct {
	BaseBlockHash chainhash.Hash
	BlockHash     chainhash.Hash
}

// A compile-time check to ensure MsgGetMNListDiff implements wire.Message.
var _ wire.Message = (*MsgGetMNListDiff)(nil)

// BtcDecode decodes r into the receiver.
func (m *MsgGetMNListDiff) BtcDecode(r io.Reader, _ uint32,
	_ wire.MessageEncoding) error {

	if _, err := io.ReadFull(r, m.BaseBlockHash[:]); err != nil {
		return err
	}
	_, err := io.ReadFull(r, m.BlockHash[:])

	return err
}

// BtcEncode encodes the receiver to w.
func (m *MsgGetMNListDiff) BtcEncode(w io.Writer, _ uint32,
	_ wire.MessageEncoding) error {

	if _, err := w.Write(m.BaseBlockHash[:]); err != nil {
		return err
	}
	_, err := w.Write(m.BlockHash[:])

	return err
}

// Command returns the protocol command string for the message.
func (m *MsgGetMNListDiff) Command() string {
	return CmdGetMNListDiff
}

// MaxPayloadLength returns the maximum length the payload can be.
func (m *MsgGetMNListDiff) MaxPayloadLength(_ uint32) uint32 {
	return chainhash.HashSize * 2
}

// SMLEntry is an entry of the simplified masternode list.
type SMLEntry struct {
	ProRegTxHash   chainhash.Hash
	ConfirmedHash  chainhash.Hash
	IPAddress      net.IP
	Port           uint16
	PubKeyOperator [blsPubKeySize]byte
	KeyIDVoting    [20]byte
	IsValid        bool
}

// Serialize writes the entry in its wire form.
func (e *SMLEntry) Serialize(w io.Writer) error {
	var ip [16]byte
	copy(ip[:], e.IPAddress.To16())

	var port [2]byte
	binary.BigEndian.PutUint16(port[:], e.Port)

	valid := byte(0)
	if e.IsValid {
		valid = 1
	}

	for _, field := range [][]byte{
		e.ProRegTxHash[:], e.ConfirmedHash[:], ip[:], port[:],
		e.PubKeyOperator[:], e.KeyIDVoting[:], {valid},
	} {
		if _, err := w.Write(field); err != nil {
			return err
		}
	}

	return nil
}

// Deserialize reads an entry in its wire form.
func (e *SMLEntry) Deserialize(r io.Reader) error {
	var (
		ip    [16]byte
		port  [2]byte
		valid [1]byte
	)
	for _, field := range [][]byte{
		e.ProRegTxHash[:], e.ConfirmedHash[:], ip[:], port[:],
		e.PubKeyOperator[:], e.KeyIDVoting[:], valid[:],
	} {
		if _, err := io.ReadFull(r, field); err != nil {
			return err
		}
	}

	e.IPAddress = net.IP(ip[:])
	e.Port = binary.BigEndian.Uint16(port[:])
	e.IsValid = valid[0] != 0

	return nil
}

// Hash returns the double-SHA256 of the serialized entry, the leaf used in
// the masternode list merkle tree.
func (e *SMLEntry) Hash() chainhash.Hash {
	var buf bytes.Buffer
	_ = e.Serialize(&buf)

	return chainhash.DoubleHashH(buf.Bytes())
}

// CoinbasePayload is the special payload of a fork coinbase transaction.
type CoinbasePayload struct {
	Version          uint16
	Height           uint32
	MerkleRootMNList chainhash.Hash

	// MerkleRootQuorums is only present from payload version two.
	MerkleRootQuorums chainhash.Hash
}

// DashTx is a transaction of the masternode fork. Special transactions carry
// a type in the upper half of the version and an extra payload after the
// lock time.
type DashTx struct {
	wire.MsgTx
	ExtraPayload []byte
}

// A compile-time check to ensure DashTx implements Tx.
var _ Tx = (*DashTx)(nil)

// Type returns the special transaction type.
func (t *DashTx) Type() uint16 {
	return uint16(uint32(t.Version) >> 16)
}

// BtcDecode decodes the transaction and its extra payload.
func (t *DashTx) BtcDecode(r io.Reader, pver uint32,
	_ wire.MessageEncoding) error {

	if err := t.MsgTx.BtcDecode(r, pver, wire.BaseEncoding); err != nil {
		return err
	}

	if uint16(t.Version) < 3 || t.Type() == 0 {
		return nil
	}

	payload, err := wire.ReadVarBytes(
		r, pver, wire.MaxMessagePayload, "extraPayload",
	)
	if err != nil {
		return err
	}
	t.ExtraPayload = payload

	return nil
}

// BtcEncode encodes the transaction and its extra payload.
func (t *DashTx) BtcEncode(w io.Writer, pver uint32,
	_ wire.MessageEncoding) error {

	if err := t.MsgTx.BtcEncode(w, pver, wire.BaseEncoding); err != nil {
		return err
	}

	if uint16(t.Version) < 3 || t.Type() == 0 {
		return nil
	}

	return wire.WriteVarBytes(w, pver, t.ExtraPayload)
}

// TxHash returns the identifying hash of the full serialization.
func (t *DashTx) TxHash() chainhash.Hash {
	var buf bytes.Buffer
	_ = t.BtcEncode(&buf, wire.ProtocolVersion, wire.BaseEncoding)

	return chainhash.DoubleHashH(buf.Bytes())
}

// CoinbasePayload decodes the extra payload of a coinbase special
// transaction.
func (t *DashTx) CoinbasePayload() (*CoinbasePayload, error) {
	if t.Type() != dashTxTypeCoinbase {
		return nil, fmt.Errorf("transaction type %d is not a coinbase",
			t.Type())
	}

	r := bytes.NewReader(t.ExtraPayload)
	payload := &CoinbasePayload{}
	if err := binary.Read(r, le, &payload.Version); err != nil {
		return nil, err
	}
	if err := binary.Read(r, le, &payload.Height); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(r, payload.MerkleRootMNList[:]); err != nil {
		return nil, err
	}
	if payload.Version >= 2 {
		_, err := io.ReadFull(r, payload.MerkleRootQuorums[:])
		if err != nil {
			return nil, err
		}
	}

	return payload, nil
}

// MsgMNListDiff carries the masternode list changes between two blocks,
// together with a partial merkle proof of the coinbase transaction of the
// target block.
type MsgMNListDiff struct {
	BaseBlockHash     chainhash.Hash
	BlockHash         chainhash.Hash
	TotalTransactions uint32
	MerkleHashes      []chainhash.Hash
	MerkleFlags       []byte
	CoinbaseTx        DashTx
	DeletedMNs        []chainhash.Hash
	MNList            []SMLEntry
}

// A compile-time check to ensure MsgMNListDiff implements wire.Message.
var _ wire.Message = (*MsgMNListDiff)(nil)

// readHashes reads a var-int prefixed list of hashes.
func readHashes(r io.Reader, pver uint32, field string) ([]chainhash.Hash,
	error) {

	count, err := wire.ReadVarInt(r, pver)
	if err != nil {
		return nil, err
	}
	if count > maxDashListEntries {
		return nil, fmt.Errorf("too many %v: %d", field, count)
	}

	hashes := make([]chainhash.Hash, count)
	for i := range hashes {
		if _, err := io.ReadFull(r, hashes[i][:]); err != nil {
			return nil, err
		}
	}

	return hashes, nil
}

// writeHashes writes a var-int prefixed list of hashes.
func writeHashes(w io.Writer, pver uint32, hashes []chainhash.Hash) error {
	if err := wire.WriteVarInt(w, pver, uint64(len(hashes))); err != nil {
		return err
	}
	for i := range hashes {
		if _, err := w.Write(hashes[i][:]); err != nil {
			return err
		}
	}

	return nil
}

// BtcDecode decodes r into the receiver.
func (m *MsgMNListDiff) BtcDecode(r io.Reader, pver uint32,
	_ wire.MessageEncoding) error {

	if _, err := io.ReadFull(r, m.BaseBlockHash[:]); err != nil {
		return err
	}
	if _, err := io.ReadFull(r, m.BlockHash[:]); err != nil {
		return err
	}
	if err := binary.Read(r, le, &m.TotalTransactions); err != nil {
		return err
	}

	var err error
	m.MerkleHashes, err = readHashes(r, pver, "merkle hashes")
	if err != nil {
		return err
	}
	m.MerkleFlags, err = wire.ReadVarBytes(
		r, pver, maxDashListEntries, "merkle flags",
	)
	if err != nil {
		return err
	}

	if err := m.CoinbaseTx.BtcDecode(r, pver, wire.BaseEncoding); err != nil {
		return err
	}

	m.DeletedMNs, err = readHashes(r, pver, "deleted masternodes")
	if err != nil {
		return err
	}

	count, err := wire.ReadVarInt(r, pver)
	if err != nil {
		return err
	}
	if count > maxDashListEntries {
		return fmt.Errorf("too many masternode entries: %d", count)
	}
	m.MNList = make([]SMLEntry, count)
	for i := range m.MNList {
		if err := m.MNList[i].Deserialize(r); err != nil {
			return err
		}
	}

	return nil
}

// BtcEncode encodes the receiver to w.
func (m *MsgMNListDiff) BtcEncode(w io.Writer, pver uint32,
	_ wire.MessageEncoding) error {

	if _, err := w.Write(m.BaseBlockHash[:]); err != nil {
		return err
	}
	if _, err := w.Write(m.BlockHash[:]); err != nil {
		return err
	}
	if err := binary.Write(w, le, m.TotalTransactions); err != nil {
		return err
	}
	if err := writeHashes(w, pver, m.MerkleHashes); err != nil {
		return err
	}
	if err := wire.WriteVarBytes(w, pver, m.MerkleFlags); err != nil {
		return err
	}
	if err := m.CoinbaseTx.BtcEncode(w, pver, wire.BaseEncoding); err != nil {
		return err
	}
	if err := writeHashes(w, pver, m.DeletedMNs); err != nil {
		return err
	}

	err := wire.WriteVarInt(w, pver, uint64(len(m.MNList)))
	if err != nil {
		return err
	}
	for i := range m.MNList {
		if err := m.MNList[i].Serialize(w); err != nil {
			return err
		}
	}

	return nil
}

// Command returns the protocol command string for the message.
func (m *MsgMNListDiff) Command() string {
	return CmdMNListDiff
}

// MaxPayloadLength returns the maximum length the payload can be.
func (m *MsgMNListDiff) MaxPayloadLength(_ uint32) uint32 {
	return wire.MaxMessagePayload
}

// MsgISLock is an instant send lock: a quorum signature over the inputs of a
// transaction.
type MsgISLock struct {
	Inputs    []wire.OutPoint
	TxHash    chainhash.Hash
	Signature [blsSignatureSize]byte
}

// A compile-time check to ensure MsgISLock implements wire.Message.
var _ wire.Message = (*MsgISLock)(nil)

// BtcDecode decodes r into the receiver.
func (m *MsgISLock) BtcDecode(r io.Reader, pver uint32,
	_ wire.MessageEncoding) error {

	count, err := wire.ReadVarInt(r, pver)
	if err != nil {
		return err
	}
	if count > maxDashListEntries {
		return fmt.Errorf("too many lock inputs: %d", count)
	}

	m.Inputs = make([]wire.OutPoint, count)
	for i := range m.Inputs {
		if _, err := io.ReadFull(r, m.Inputs[i].Hash[:]); err != nil {
			return err
		}
		err := binary.Read(r, le, &m.Inputs[i].Index)
		if err != nil {
			return err
		}
	}

	if _, err := io.ReadFull(r, m.TxHash[:]); err != nil {
		return err
	}
	_, err = io.ReadFull(r, m.Signature[:])

	return err
}

// BtcEncode encodes the receiver to w.
func (m *MsgISLock) BtcEncode(w io.Writer, pver uint32,
	_ wire.MessageEncoding) error {

	if err := wire.WriteVarInt(w, pver, uint64(len(m.Inputs))); err != nil {
		return err
	}
	for i := range m.Inputs {
		if _, err := w.Write(m.Inputs[i].Hash[:]); err != nil {
			return err
		}
		if err := binary.Write(w, le, m.Inputs[i].Index); err != nil {
			return err
		}
	}
	if _, err := w.Write(m.TxHash[:]); err != nil {
		return err
	}
	_, err := w.Write(m.Signature[:])

	return err
}

// Command returns the protocol command string for the message.
func (m *MsgISLock) Command() string {
	return CmdISLock
}

// MaxPayloadLength returns the maximum length the payload can be.
func (m *MsgISLock) MaxPayloadLength(_ uint32) uint32 {
	return wire.MaxMessagePayload
}

// Hash returns the inventory hash of the lock.
func (m *MsgISLock) Hash() chainhash.Hash {
	var buf bytes.Buffer
	_ = m.BtcEncode(&buf, wire.ProtocolVersion, wire.BaseEncoding)

	return chainhash.DoubleHashH(buf.Bytes())
}
