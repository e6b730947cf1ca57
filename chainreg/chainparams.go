package chainreg

import (
	"fmt"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/spvd/blockvalidator"
	"github.com/lightningnetwork/spvd/chainstore"
	"github.com/lightningnetwork/spvd/merkleblock"
	"github.com/lightningnetwork/spvd/spvwire"
)

// Chain identifies a supported coin.
type Chain string

const (
	// Bitcoin is the original chain.
	Bitcoin Chain = "bitcoin"

	// BitcoinCash is the cash fork with its own difficulty algorithm.
	BitcoinCash Chain = "bitcoincash"

	// Dash is the masternode fork.
	Dash Chain = "dash"
)

const (
	// bitcoinMaxBlockSize bounds the transactions claimed by a merkle block
	// on the original chain.
	bitcoinMaxBlockSize = 1000000

	// bitcoinCashMaxBlockSize is the block size limit of the cash fork.
	bitcoinCashMaxBlockSize = 32 * 1000000

	// dashMaxBlockSize is the block size limit of the masternode fork.
	dashMaxBlockSize = 2000000

	// dashProtocolVersion is the protocol version announced on the
	// masternode fork. It is the first one serving mnlistdiff.
	dashProtocolVersion = 70213

	// bitcoinProtocolVersion is announced on the other chains.
	bitcoinProtocolVersion = wire.FeeFilterVersion

	// Network magics of the forks.
	bitcoinCashMainNet wire.BitcoinNet = 0xe8f3e1e3
	bitcoinCashTestNet wire.BitcoinNet = 0xf4f3e5f4
	dashMainNet        wire.BitcoinNet = 0xbd6b0cbf
	dashTestNet        wire.BitcoinNet = 0xffcae2ce
)

// NetParams couples the p2p parameters of a network with the consensus
// constants the light client enforces.
type NetParams struct {
	*chaincfg.Params

	// Chain is the coin of the network.
	Chain Chain

	// ProtocolVersion is announced in our version message.
	ProtocolVersion uint32

	// MaxBlockSize bounds the transaction count of merkle blocks.
	MaxBlockSize uint32

	// MaxBits is the compact form of the proof of work limit.
	MaxBits uint32

	// TargetSpacing is the desired time between blocks in seconds.
	TargetSpacing int64

	// Legacy holds the constants of the 2016 block retarget.
	Legacy blockvalidator.LegacyConfig

	// DAAActivationTime is the median time past from which the cash fork
	// retargets every block. Zero on other chains.
	DAAActivationTime int64

	// HeaderHasher identifies headers and is the hash checked against the
	// proof of work target. Nil means double-SHA256.
	HeaderHasher merkleblock.HeaderHasher
}

// HeaderHash returns the identifying hash of header on this network.
func (p *NetParams) HeaderHash(header *wire.BlockHeader) chainhash.Hash {
	if p.HeaderHasher == nil {
		return header.BlockHash()
	}

	return p.HeaderHasher(header)
}

// NewBlock wraps header at height, identified the way this network
// identifies headers.
func (p *NetParams) NewBlock(header wire.BlockHeader,
	height int32) *chainstore.Block {

	return &chainstore.Block{
		Header: header,
		Height: height,
		Hash:   p.HeaderHash(&header),
	}
}

// GenesisBlock returns the first block of the chain.
func (p *NetParams) GenesisBlock() *chainstore.Block {
	return p.NewBlock(p.Params.GenesisBlock.Header, 0)
}

// Extractor returns a merkle block extractor for this network.
func (p *NetParams) Extractor() *merkleblock.Extractor {
	return merkleblock.NewExtractor(p.MaxBlockSize, p.HeaderHasher)
}

// HasMasternodes returns true if the network keeps a masternode list and
// relays instant send locks.
func (p *NetParams) HasMasternodes() bool {
	return p.Chain == Dash
}

// Parser returns the message parser chain for this network.
func (p *NetParams) Parser() spvwire.MessageParser {
	if p.HasMasternodes() {
		return spvwire.NewParserChain(
			spvwire.DashParser, spvwire.StandardParser,
		)
	}

	return spvwire.StandardParser
}

// NewValidatorChain builds the header validation rules of the network over
// store.
func (p *NetParams) NewValidatorChain(
	store chainstore.Store) *blockvalidator.Chain {

	helper := blockvalidator.NewHelper(store)

	head := fn.Some[blockvalidator.Validator](
		blockvalidator.NewProofOfWork(p.MaxBits),
	)

	switch p.Chain {
	case BitcoinCash:
		return blockvalidator.NewChain(
			head,
			blockvalidator.NewDAA(blockvalidator.DAAConfig{
				TargetSpacing:  p.TargetSpacing,
				ActivationTime: p.DAAActivationTime,
			}, helper),
			blockvalidator.NewLegacyDifficultyAdjustment(
				p.Legacy, helper,
			),
			blockvalidator.NewEDA(p.MaxBits, helper),
		)

	case Dash:
		return blockvalidator.NewChain(
			head,
			blockvalidator.NewDarkGravityWave(
				p.TargetSpacing, p.MaxBits, helper,
			),
		)
	}

	rules := []blockvalidator.Validator{
		blockvalidator.NewLegacyDifficultyAdjustment(p.Legacy, helper),
	}
	if p.ReduceMinDifficulty {
		rules = append(rules, blockvalidator.NewLegacyTestNet(
			p.Legacy, p.TargetSpacing, helper,
		))
	}
	rules = append(rules, blockvalidator.BitsContinuity{})

	return blockvalidator.NewChain(head, rules...)
}

// legacyConfig derives the retarget constants from chain params.
func legacyConfig(params *chaincfg.Params) blockvalidator.LegacyConfig {
	timespan := int64(params.TargetTimespan / time.Second)
	spacing := int64(params.TargetTimePerBlock / time.Second)

	return blockvalidator.LegacyConfig{
		Interval:         int32(timespan / spacing),
		TargetTimespan:   timespan,
		AdjustmentFactor: params.RetargetAdjustmentFactor,
		MaxBits:          params.PowLimitBits,
	}
}

// bitcoinParams wraps btcd chain parameters.
func bitcoinParams(params *chaincfg.Params) *NetParams {
	return &NetParams{
		Params:          params,
		Chain:           Bitcoin,
		ProtocolVersion: bitcoinProtocolVersion,
		MaxBlockSize:    bitcoinMaxBlockSize,
		MaxBits:         params.PowLimitBits,
		TargetSpacing:   int64(params.TargetTimePerBlock / time.Second),
		Legacy:          legacyConfig(params),
	}
}

// forkParams copies base and applies the network identity of a fork.
func forkParams(base *chaincfg.Params, name string, net wire.BitcoinNet,
	port string, seeds ...string) *chaincfg.Params {

	params := *base
	params.Name = name
	params.Net = net
	params.DefaultPort = port
	params.Checkpoints = nil
	params.DNSSeeds = make([]chaincfg.DNSSeed, 0, len(seeds))
	for _, seed := range seeds {
		params.DNSSeeds = append(params.DNSSeeds, chaincfg.DNSSeed{
			Host: seed,
		})
	}

	return &params
}

// bitcoinCashParams derives the cash fork parameters from the original
// chain's.
func bitcoinCashParams(base *chaincfg.Params, name string,
	net wire.BitcoinNet, seeds ...string) *NetParams {

	params := bitcoinParams(
		forkParams(base, name, net, base.DefaultPort, seeds...),
	)
	params.Chain = BitcoinCash
	params.MaxBlockSize = bitcoinCashMaxBlockSize
	params.DAAActivationTime = blockvalidator.DAAActivationTime

	return params
}

// dashGenesisHeader is the genesis header of the masternode fork mainnet.
var dashGenesisHeader = wire.BlockHeader{
	Version: 1,
	MerkleRoot: mustHash(
		"e0028eb9648db56b1ac77cf090b99048a8007e2bb64b68f092c03c7f56a662c7",
	),
	Timestamp: time.Unix(1390095618, 0),
	Bits:      0x1e0ffff0,
	Nonce:     28917698,
}

// dashParams builds the masternode fork parameters.
func dashParams(base *chaincfg.Params, name string, net wire.BitcoinNet,
	port string, genesis wire.BlockHeader, genesisHash chainhash.Hash,
	seeds ...string) *NetParams {

	chainParams := forkParams(base, name, net, port, seeds...)
	chainParams.GenesisBlock = &wire.MsgBlock{Header: genesis}
	chainParams.GenesisHash = &genesisHash
	chainParams.PowLimitBits = 0x1e0fffff
	chainParams.PowLimit = blockchain.CompactToBig(0x1e0fffff)
	chainParams.TargetTimePerBlock = 150 * time.Second
	chainParams.TargetTimespan = 24 * 60 * 60 * time.Second
	chainParams.Bech32HRPSegwit = ""

	switch net {
	case dashMainNet:
		chainParams.PubKeyHashAddrID = 0x4c
		chainParams.ScriptHashAddrID = 0x10
		chainParams.PrivateKeyID = 0xcc

	default:
		chainParams.PubKeyHashAddrID = 0x8c
		chainParams.ScriptHashAddrID = 0x13
		chainParams.PrivateKeyID = 0xef
	}

	params := bitcoinParams(chainParams)
	params.Chain = Dash
	params.ProtocolVersion = dashProtocolVersion
	params.MaxBlockSize = dashMaxBlockSize
	params.HeaderHasher = X11HeaderHash

	return params
}

var (
	// BitcoinMainNetParams are the parameters of the bitcoin mainnet.
	BitcoinMainNetParams = bitcoinParams(&chaincfg.MainNetParams)

	// BitcoinTestNetParams are the parameters of the bitcoin testnet.
	BitcoinTestNetParams = bitcoinParams(&chaincfg.TestNet3Params)

	// BitcoinRegTestParams are the parameters of a local regtest network.
	BitcoinRegTestParams = bitcoinParams(&chaincfg.RegressionNetParams)

	// BitcoinCashMainNetParams are the parameters of the cash fork
	// mainnet.
	BitcoinCashMainNetParams = bitcoinCashParams(
		&chaincfg.MainNetParams, "bchmainnet", bitcoinCashMainNet,
		"seed.bitcoinabc.org", "seed-abc.bitcoinforks.org",
		"seed.bchd.cash",
	)

	// BitcoinCashTestNetParams are the parameters of the cash fork
	// testnet.
	BitcoinCashTestNetParams = bitcoinCashParams(
		&chaincfg.TestNet3Params, "bchtestnet", bitcoinCashTestNet,
		"testnet-seed.bitcoinabc.org", "testnet-seed.bchd.cash",
	)

	// DashMainNetParams are the parameters of the masternode fork
	// mainnet.
	DashMainNetParams = dashParams(
		&chaincfg.MainNetParams, "dashmainnet", dashMainNet, "9999",
		dashGenesisHeader, mustHash(
			"00000ffd590b1485b3caadc19b22e6379c733355108f107a430458cdf3407ab6",
		), "dnsseed.dash.org",
	)

	// DashTestNetParams are the parameters of the masternode fork
	// testnet.
	DashTestNetParams = dashParams(
		&chaincfg.TestNet3Params, "dashtestnet", dashTestNet, "19999",
		wire.BlockHeader{
			Version:    1,
			MerkleRoot: dashGenesisHeader.MerkleRoot,
			Timestamp:  time.Unix(1390666206, 0),
			Bits:       0x1e0ffff0,
			Nonce:      3861367235,
		}, mustHash(
			"00000bafbc94add76cb75e2ec92894837288a481e5c005f6563d91623bf8bc2c",
		), "testnet-seed.dashdot.io",
	)
)

// Params returns the parameters of chain on the selected network.
func Params(chain Chain, testNet, regTest bool) (*NetParams, error) {
	switch {
	case chain == Bitcoin && regTest:
		return BitcoinRegTestParams, nil

	case regTest:
		return nil, fmt.Errorf("regtest is not supported on %v", chain)

	case chain == Bitcoin && testNet:
		return BitcoinTestNetParams, nil

	case chain == Bitcoin:
		return BitcoinMainNetParams, nil

	case chain == BitcoinCash && testNet:
		return BitcoinCashTestNetParams, nil

	case chain == BitcoinCash:
		return BitcoinCashMainNetParams, nil

	case chain == Dash && testNet:
		return DashTestNetParams, nil

	case chain == Dash:
		return DashMainNetParams, nil
	}

	return nil, fmt.Errorf("unknown chain %q", chain)
}

func mustHash(s string) chainhash.Hash {
	hash, err := chainhash.NewHashFromStr(s)
	if err != nil {
		panic(err)
	}

	return *hash
}
