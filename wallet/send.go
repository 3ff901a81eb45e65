// Copyright (c) 2024 The zingolib developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/queue"
	"golang.org/x/sync/errgroup"

	"github.com/dorianvp/zingolib/codec"
	"github.com/dorianvp/zingolib/netparams"
	"github.com/dorianvp/zingolib/witness"
	"github.com/dorianvp/zingolib/wtxmgr"
)

// DefaultFee is the flat fee attached to wallet-built transactions.
const DefaultFee wtxmgr.Amount = 10000

// Recipient is one destination of a send.
type Recipient struct {
	Address string
	Amount  wtxmgr.Amount
	Memo    []byte
}

// SendProgress reports the state of the current or most recent send.
type SendProgress struct {
	// ID increments with every send attempt.
	ID uint32

	IsSendInProgress bool

	// Progress and Total track the builder's proving steps.
	Progress uint32
	Total    uint32

	// LastError is the failure message of the most recent send, empty on
	// success.
	LastError string

	// LastTxID is the transaction id of the most recent successful send.
	LastTxID *chainhash.Hash
}

// BuildProgress is one progress report from the transaction builder.
type BuildProgress struct {
	Done  uint32
	Total uint32
}

// TxInput is a shielded note input to a build.
type TxInput struct {
	Pool      netparams.Pool
	Value     wtxmgr.Amount
	Nullifier [32]byte

	// Witness authenticates the note against the anchor of the build.
	Witness *witness.MerklePath
}

// TxUtxoInput is a transparent input to a build.
type TxUtxoInput struct {
	TxID    chainhash.Hash
	Index   uint32
	Value   wtxmgr.Amount
	Script  []byte
	Address string
}

// TxOutput is one output of a build.
type TxOutput struct {
	Address string
	Value   wtxmgr.Amount
	Memo    []byte
}

// BuildRequest carries everything the builder needs to construct and prove
// a transaction.
type BuildRequest struct {
	Inputs []TxInput
	Utxos  []TxUtxoInput

	Outputs []TxOutput

	// ChangeAddress receives Change when Change is nonzero.
	ChangeAddress string
	Change        wtxmgr.Amount

	Fee wtxmgr.Amount

	// AnchorHeight and the per-pool anchor roots fix the tree state the
	// shielded witnesses were produced against.
	AnchorHeight  uint64
	SaplingAnchor [32]byte
	OrchardAnchor [32]byte

	// TargetHeight is the earliest height the transaction can mine at.
	TargetHeight uint64
}

// BuiltTx is the result of a successful build.
type BuiltTx struct {
	TxID chainhash.Hash
	Raw  []byte
}

// TxBuilder constructs and proves transactions.  Implementations report
// proving progress on the passed channel; the channel must not be closed by
// the implementation.
type TxBuilder interface {
	Build(ctx context.Context, req *BuildRequest,
		progress chan<- BuildProgress) (*BuiltTx, error)
}

// BroadcastFunc submits a raw transaction to the network.
type BroadcastFunc func(ctx context.Context, raw []byte) error

// SendProgressSnapshot returns a copy of the current send progress.
func (w *Wallet) SendProgressSnapshot() SendProgress {
	w.progressMtx.Lock()
	defer w.progressMtx.Unlock()

	p := w.progress
	if w.progress.LastTxID != nil {
		txid := *w.progress.LastTxID
		p.LastTxID = &txid
	}
	return p
}

// beginSend claims the single send slot and resets the progress state.
func (w *Wallet) beginSend() error {
	w.progressMtx.Lock()
	defer w.progressMtx.Unlock()

	if w.progress.IsSendInProgress {
		return walletError(ErrSendInProgress,
			"another send is already in progress", nil)
	}
	w.progress = SendProgress{
		ID:               w.progress.ID + 1,
		IsSendInProgress: true,
		LastTxID:         w.progress.LastTxID,
	}
	return nil
}

// finishSend releases the send slot and records the outcome.
func (w *Wallet) finishSend(txid *chainhash.Hash, err error) {
	w.progressMtx.Lock()
	defer w.progressMtx.Unlock()

	w.progress.IsSendInProgress = false
	if err != nil {
		w.progress.LastError = err.Error()
		return
	}
	w.progress.LastTxID = txid
}

// setBuildTotal fixes the proving step count for the current send: one
// step per shielded spend plus one per shielded recipient.
func (w *Wallet) setBuildTotal(total uint32) {
	w.progressMtx.Lock()
	defer w.progressMtx.Unlock()

	w.progress.Total = total
}

func (w *Wallet) updateBuildProgress(p BuildProgress) {
	w.progressMtx.Lock()
	defer w.progressMtx.Unlock()

	w.progress.Progress = p.Done
}

// SendToAddresses funds, builds, broadcasts, and records a transaction
// paying the passed recipients, returning its transaction id.  Only one
// send may run at a time.
//
// Inputs are marked pending-spent after a successful build but before
// broadcast, so a concurrent selection can never double-spend them.  The
// marks survive a failed broadcast; a rescan reconciles them with the
// chain.
func (w *Wallet) SendToAddresses(ctx context.Context, recipients []Recipient,
	preferOrchard bool) (chainhash.Hash, error) {

	var zero chainhash.Hash

	if err := w.beginSend(); err != nil {
		return zero, err
	}
	var sendErr error
	var sentTxID *chainhash.Hash
	defer func() { w.finishSend(sentTxID, sendErr) }()

	policy := SelectPolicy{AllowTransparent: true, PreferOrchard: preferOrchard}
	built, sel, err := w.fundAndBuild(ctx, recipients, policy)
	if err != nil {
		sendErr = err
		return zero, err
	}

	w.txMtx.Lock()
	err = w.records.MarkPendingSpent(sel.IDs(), built.TxID)
	w.txMtx.Unlock()
	if err != nil {
		// An input was consumed while the proof was being built.
		sendErr = walletError(ErrBuild,
			"selected inputs were spent during the build", err)
		return zero, sendErr
	}

	if err := w.broadcast(ctx, built.Raw); err != nil {
		// The pending-spent marks stay in place.  The transaction may
		// still have reached the network through another path, so only
		// a rescan can tell whether the inputs are really gone.
		sendErr = walletError(ErrBroadcast,
			"transaction rejected by the network", err)
		return zero, sendErr
	}

	w.recordSentTransaction(built, sel, recipients)

	log.Infof("Broadcast transaction %v paying %d recipients",
		built.TxID, len(recipients))
	txid := built.TxID
	sentTxID = &txid
	return built.TxID, nil
}

// fundAndBuild validates the request, selects inputs, and runs the builder
// with progress bridging.
func (w *Wallet) fundAndBuild(ctx context.Context, recipients []Recipient,
	policy SelectPolicy) (*BuiltTx, *Selection, error) {

	if w.builder == nil || w.broadcast == nil {
		return nil, nil, walletError(ErrBuild,
			"wallet has no transaction builder or broadcaster", nil)
	}
	if !w.keys.HasSpendAuthority() {
		return nil, nil, walletError(ErrNoSpendCapability,
			"wallet holds no spending keys", nil)
	}
	if !w.keys.UnlockedForSpending() {
		return nil, nil, walletError(ErrLocked,
			"wallet must be unlocked to spend", nil)
	}
	if len(recipients) == 0 {
		return nil, nil, walletError(ErrInvalidRecipient,
			"no recipients", nil)
	}

	var total wtxmgr.Amount
	var shieldedRcpts uint32
	for _, rcpt := range recipients {
		decoded, err := w.codec.Decode(rcpt.Address)
		if err != nil {
			return nil, nil, walletError(ErrInvalidRecipient,
				fmt.Sprintf("cannot decode recipient address %q",
					rcpt.Address), err)
		}
		if decoded.Kind != codec.KindTransparent {
			shieldedRcpts++
		}
		total += rcpt.Amount
	}
	target := total + DefaultFee

	req, sel, err := w.prepareBuildRequest(recipients, total, target,
		policy)
	if err != nil {
		return nil, nil, err
	}

	// Proving cost is known up front, one step per shielded spend and
	// per shielded output, so report it before the builder starts.
	w.setBuildTotal(uint32(len(req.Inputs)) + shieldedRcpts)

	built, err := w.runBuilder(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	return built, sel, nil
}

// prepareBuildRequest selects inputs and assembles the build request with
// witnesses against the chosen anchor.
func (w *Wallet) prepareBuildRequest(recipients []Recipient, total,
	target wtxmgr.Amount, policy SelectPolicy) (*BuildRequest, *Selection, error) {

	w.txMtx.RLock()
	defer w.txMtx.RUnlock()

	sel := w.selectForSpend(target, policy)
	if sel.Total < target {
		return nil, nil, walletError(ErrInsufficientFunds,
			fmt.Sprintf("spendable funds with at least %d confirmations "+
				"do not cover %v plus %v fee",
				w.params.MinConfirmations(), total, DefaultFee), nil)
	}

	var syncedHeight uint64
	if len(w.blocks) > 0 {
		syncedHeight = w.blocks[0].Height
	}

	req := &BuildRequest{
		Fee:          DefaultFee,
		AnchorHeight: sel.AnchorHeight,
		TargetHeight: syncedHeight + 1,
	}
	for _, rcpt := range recipients {
		req.Outputs = append(req.Outputs, TxOutput{
			Address: rcpt.Address,
			Value:   rcpt.Amount,
			Memo:    rcpt.Memo,
		})
	}

	// Change always returns to the wallet's default orchard address so
	// repeated sends consolidate funds in the newest pool.
	if change := sel.Total - target; change > 0 {
		addr, ok := w.keys.DefaultAddress(netparams.PoolOrchard)
		if !ok {
			return nil, nil, walletError(ErrBuild,
				"wallet has no change address", nil)
		}
		req.ChangeAddress = addr
		req.Change = change
	}

	for _, id := range sel.Notes {
		_, note, err := w.records.NoteAt(id)
		if err != nil {
			return nil, nil, err
		}
		path, err := w.trees.TreeFor(id.Pool).WitnessAt(
			sel.AnchorHeight, note.Position)
		if err != nil {
			return nil, nil, walletError(ErrBuild,
				"cannot witness selected note", err)
		}
		req.Inputs = append(req.Inputs, TxInput{
			Pool:      id.Pool,
			Value:     note.Value,
			Nullifier: note.Nullifier,
			Witness:   path,
		})
	}
	for _, id := range sel.Utxos {
		_, out, err := w.records.TransparentAt(id)
		if err != nil {
			return nil, nil, err
		}
		// A selected utxo whose signing key is missing means the key
		// store and record store disagree about ownership.
		if _, err := w.keys.TransparentSigningKey(out.Address); err != nil {
			return nil, nil, walletError(ErrBuild,
				"no signing key for selected transparent output", err)
		}
		req.Utxos = append(req.Utxos, TxUtxoInput{
			TxID:    id.TxID,
			Index:   out.OutputIndex,
			Value:   out.Value,
			Script:  out.Script,
			Address: out.Address,
		})
	}

	// Every build needs an anchor: shielded spends fix it at the
	// selection's anchor height, and a purely transparent funding still
	// anchors its shielded change on the latest verified tree state.
	switch {
	case len(sel.Notes) > 0:
		var err error
		req.SaplingAnchor, err = w.trees.Sapling.RootAt(sel.AnchorHeight)
		if err != nil {
			return nil, nil, walletError(ErrBuild,
				"cannot compute sapling anchor", err)
		}
		req.OrchardAnchor, err = w.trees.Orchard.RootAt(sel.AnchorHeight)
		if err != nil {
			return nil, nil, walletError(ErrBuild,
				"cannot compute orchard anchor", err)
		}

	case w.verified != nil:
		req.AnchorHeight = w.verified.Height
		req.SaplingAnchor = w.verified.SaplingRoot
		req.OrchardAnchor = w.verified.OrchardRoot

	default:
		return nil, nil, walletError(ErrBuild,
			"no verified tree state to anchor the transaction", nil)
	}
	return req, sel, nil
}

// runBuilder executes the builder while pumping its progress reports into
// the send progress state.  The queue decouples the prover from the
// progress consumer so a slow reader never stalls proving.
func (w *Wallet) runBuilder(ctx context.Context, req *BuildRequest) (*BuiltTx, error) {
	progQueue := queue.NewConcurrentQueue(16)
	progQueue.Start()
	defer progQueue.Stop()

	// The consumer drains the queue in order until it sees the nil
	// sentinel pushed after the build finishes, so no report is lost.
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		for item := range progQueue.ChanOut() {
			p, ok := item.(BuildProgress)
			if !ok {
				return
			}
			w.updateBuildProgress(p)
		}
	}()

	progCh := make(chan BuildProgress)
	var built *BuiltTx
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(progCh)

		var err error
		built, err = w.builder.Build(gctx, req, progCh)
		if err != nil {
			return walletError(ErrBuild,
				"transaction build failed", err)
		}
		return nil
	})
	g.Go(func() error {
		// The queue is unbounded, so this never blocks the prover
		// even when the progress consumer is slow.
		for p := range progCh {
			progQueue.ChanIn() <- p
		}
		return nil
	})

	err := g.Wait()
	progQueue.ChanIn() <- nil
	<-consumerDone
	if err != nil {
		return nil, err
	}
	return built, nil
}

// recordSentTransaction inserts the pending record for a just-broadcast
// transaction: the outgoing recipients, the revealed nullifiers, and the
// anticipated change note.
func (w *Wallet) recordSentTransaction(built *BuiltTx, sel *Selection,
	recipients []Recipient) {

	w.txMtx.Lock()
	defer w.txMtx.Unlock()

	var targetHeight uint64
	if len(w.blocks) > 0 {
		targetHeight = w.blocks[0].Height + 1
	}

	rec := wtxmgr.NewTxRecord(built.TxID, targetHeight,
		uint64(w.clk.Now().Unix()), true)
	for _, rcpt := range recipients {
		rec.Outgoing = append(rec.Outgoing, wtxmgr.OutgoingTxData{
			Recipient: rcpt.Address,
			Value:     rcpt.Amount,
			Memo:      rcpt.Memo,
		})
	}

	var spentTotal wtxmgr.Amount
	for _, id := range sel.Notes {
		_, note, err := w.records.NoteAt(id)
		if err != nil {
			continue
		}
		rec.AddSpentNullifier(id.Pool, note.Nullifier)
		spentTotal += note.Value
	}
	for _, id := range sel.Utxos {
		_, out, err := w.records.TransparentAt(id)
		if err != nil {
			continue
		}
		rec.TotalTransparentValueSpent += out.Value
		spentTotal += out.Value
	}

	// The change note is recorded unwitnessed; confirmation replaces it
	// with the witnessed version once the commitment is on chain.
	var outgoingTotal wtxmgr.Amount
	for _, rcpt := range recipients {
		outgoingTotal += rcpt.Amount
	}
	if change := spentTotal - outgoingTotal - DefaultFee; change > 0 {
		changeAddr, _ := w.keys.DefaultAddress(netparams.PoolOrchard)
		rec.AddShieldedNote(netparams.PoolOrchard, wtxmgr.ShieldedNote{
			Value:    change,
			Address:  changeAddr,
			IsChange: true,
			Status:   wtxmgr.Unspent(),
		})
	}

	if price := w.Price(); price.Have {
		rec.Price = price.Price
		rec.HavePrice = true
	}

	w.records.InsertRecord(rec)
}
