package masternode

import (
	"errors"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/spvd/peer"
	"github.com/lightningnetwork/spvd/peergroup"
	"github.com/lightningnetwork/spvd/spvwire"
	"github.com/lightningnetwork/spvd/tasks"
)

// TaskScheduler accepts tasks to run on some peer.
type TaskScheduler interface {
	AddTask(t peer.Task) error
}

// ListUpdater applies masternode list diffs.
type ListUpdater interface {
	// BaseBlockHash returns the block of the confirmed list.
	BaseBlockHash() chainhash.Hash

	// UpdateList applies a diff to the confirmed list.
	UpdateList(diff *spvwire.MsgMNListDiff) error
}

// Syncer keeps the masternode list in step with the chain by requesting
// diffs from the confirmed list to new blocks.
type Syncer struct {
	scheduler TaskScheduler
	lists     ListUpdater
	clock     clock.Clock
}

// A compile-time check to ensure Syncer implements peergroup.TaskHandler.
var _ peergroup.TaskHandler = (*Syncer)(nil)

// NewSyncer creates a syncer scheduling its requests on scheduler.
func NewSyncer(scheduler TaskScheduler, lists ListUpdater,
	clk clock.Clock) *Syncer {

	return &Syncer{
		scheduler: scheduler,
		lists:     lists,
		clock:     clk,
	}
}

// Sync requests the diff from the confirmed list to blockHash.
func (s *Syncer) Sync(blockHash chainhash.Hash) error {
	return s.request(s.lists.BaseBlockHash(), blockHash)
}

func (s *Syncer) request(base, target chainhash.Hash) error {
	log.Debugf("Requesting masternode list diff %v..%v", base, target)

	return s.scheduler.AddTask(tasks.NewRequestMasternodeListDiffTask(
		base, target, s.clock,
	))
}

// OnPeerReady does nothing.
func (s *Syncer) OnPeerReady(peergroup.Session) {}

// OnTaskCompleted applies the diffs of completed requests. A diff that cannot
// be applied is requested again from the confirmed list, and a peer serving an
// invalid diff is disconnected.
func (s *Syncer) OnTaskCompleted(sess peergroup.Session, t peer.Task) bool {
	task, ok := t.(*tasks.RequestMasternodeListDiffTask)
	if !ok {
		return false
	}

	diff := task.Diff()
	if diff == nil {
		return true
	}

	err := s.lists.UpdateList(diff)
	if err == nil {
		return true
	}

	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		log.Warnf("Peer %v sent invalid masternode list diff: %v",
			sess.Addr(), err)

		sess.Close(err)
	} else {
		log.Errorf("Unable to update masternode list to %v: %v",
			diff.BlockHash, err)
	}

	// The confirmed list did not move, so ask again for the same target.
	retryErr := s.request(s.lists.BaseBlockHash(), diff.BlockHash)
	if retryErr != nil {
		log.Errorf("Unable to retry masternode list diff: %v",
			retryErr)
	}

	return true
}
