package spvwire

import (
	"bytes"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Tx is a transaction message. Forks that extend the transaction
// serialization identify it by the hash of the extended form.
type Tx interface {
	wire.Message

	// TxHash returns the identifying hash of the transaction.
	TxHash() chainhash.Hash
}

// A compile-time check to ensure the base transaction implements Tx.
var _ Tx = (*wire.MsgTx)(nil)

// MessageParser decodes the payload of the commands it understands.
type MessageParser interface {
	// Parse decodes payload as a message of the given command. The
	// boolean is false if the parser does not handle the command.
	Parse(command string, payload []byte, pver uint32) (wire.Message,
		bool, error)
}

// ParserChain is an ordered list of parsers. The first parser that handles a
// command decodes it.
type ParserChain struct {
	parsers []MessageParser
}

// A compile-time check to ensure ParserChain implements MessageParser.
var _ MessageParser = (*ParserChain)(nil)

// NewParserChain creates a chain from the given parsers.
func NewParserChain(parsers ...MessageParser) *ParserChain {
	return &ParserChain{parsers: parsers}
}

// Add appends a parser to the chain.
func (c *ParserChain) Add(p MessageParser) {
	c.parsers = append(c.parsers, p)
}

// Parse hands the payload to the first parser that handles command.
func (c *ParserChain) Parse(command string, payload []byte,
	pver uint32) (wire.Message, bool, error) {

	for _, parser := range c.parsers {
		msg, ok, err := parser.Parse(command, payload, pver)
		if ok || err != nil {
			return msg, ok, err
		}
	}

	return nil, false, nil
}

// ParserFunc adapts a constructor of empty messages into a MessageParser.
// The constructor returns nil for commands it does not know.
type ParserFunc func(command string) wire.Message

// Parse creates an empty message for command and decodes payload into it.
func (f ParserFunc) Parse(command string, payload []byte,
	pver uint32) (wire.Message, bool, error) {

	msg := f(command)
	if msg == nil {
		return nil, false, nil
	}

	// Some decoders, such as the version message, require a
	// *bytes.Buffer.
	err := msg.BtcDecode(bytes.NewBuffer(payload), pver, wire.LatestEncoding)
	if err != nil {
		return nil, true, err
	}

	return msg, true, nil
}

// StandardParser decodes the messages of the base protocol used by an SPV
// client.
var StandardParser = ParserFunc(func(command string) wire.Message {
	switch command {
	case wire.CmdVersion:
		return &wire.MsgVersion{}
	case wire.CmdVerAck:
		return &wire.MsgVerAck{}
	case wire.CmdPing:
		return &wire.MsgPing{}
	case wire.CmdPong:
		return &wire.MsgPong{}
	case wire.CmdAddr:
		return &wire.MsgAddr{}
	case wire.CmdGetAddr:
		return &wire.MsgGetAddr{}
	case wire.CmdInv:
		return &wire.MsgInv{}
	case wire.CmdGetData:
		return &wire.MsgGetData{}
	case wire.CmdNotFound:
		return &wire.MsgNotFound{}
	case wire.CmdMerkleBlock:
		return &wire.MsgMerkleBlock{}
	case wire.CmdTx:
		return &wire.MsgTx{}
	case wire.CmdHeaders:
		return &wire.MsgHeaders{}
	case wire.CmdGetHeaders:
		return &wire.MsgGetHeaders{}
	case wire.CmdGetBlocks:
		return &wire.MsgGetBlocks{}
	case wire.CmdMemPool:
		return &wire.MsgMemPool{}
	case wire.CmdReject:
		return &wire.MsgReject{}
	case wire.CmdSendHeaders:
		return &wire.MsgSendHeaders{}
	case wire.CmdFeeFilter:
		return &wire.MsgFeeFilter{}
	case wire.CmdFilterLoad:
		return &wire.MsgFilterLoad{}
	}

	return nil
})

// DashParser decodes the messages specific to the masternode fork.
var DashParser = ParserFunc(func(command string) wire.Message {
	switch command {
	case CmdGetMNListDiff:
		return &MsgGetMNListDiff{}
	case CmdMNListDiff:
		return &MsgMNListDiff{}
	case CmdISLock:
		return &MsgISLock{}
	case wire.CmdTx:
		return &DashTx{}
	}

	return nil
})
