// Copyright (c) 2024 The zingolib developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wtxmgr

import "github.com/dorianvp/zingolib/netparams"

// Query selects wallet outputs by spend state, pool, and optionally the
// wallet address the output pays.  A state or pool field set to true
// includes outputs matching it; an output is selected when its state, its
// pool, and its address are all included.
type Query struct {
	Unspent      bool
	PendingSpent bool
	Spent        bool

	Transparent bool
	Sapling     bool
	Orchard     bool

	// Address, when nonempty, restricts the query to outputs paying the
	// encoded address.
	Address string
}

// QueryAll matches every output.
func QueryAll() Query {
	return Query{
		Unspent: true, PendingSpent: true, Spent: true,
		Transparent: true, Sapling: true, Orchard: true,
	}
}

// QueryUnspent matches unspent outputs in every pool.
func QueryUnspent() Query {
	q := QueryAll()
	q.PendingSpent = false
	q.Spent = false
	return q
}

// QueryShieldedUnspent matches unspent notes in the shielded pools.
func QueryShieldedUnspent() Query {
	q := QueryUnspent()
	q.Transparent = false
	return q
}

// matchesState reports whether the query includes the spend state.
func (q Query) matchesState(s SpendState) bool {
	switch s {
	case StateUnspent:
		return q.Unspent
	case StatePendingSpent:
		return q.PendingSpent
	case StateSpent:
		return q.Spent
	}
	return false
}

// matchesPool reports whether the query includes the pool.
func (q Query) matchesPool(p netparams.Pool) bool {
	switch p {
	case netparams.PoolTransparent:
		return q.Transparent
	case netparams.PoolSapling:
		return q.Sapling
	case netparams.PoolOrchard:
		return q.Orchard
	}
	return false
}

// matchesAddress reports whether the query includes the paying address.
func (q Query) matchesAddress(addr string) bool {
	return q.Address == "" || q.Address == addr
}

func (q Query) matches(id OutputID, addr string, status SpendStatus) bool {
	return q.matchesState(status.State) && q.matchesPool(id.Pool) &&
		q.matchesAddress(addr)
}

// QueryIDs returns the identifiers of all outputs matching the query, in
// record insertion order and output order within each record.
func (s *Store) QueryIDs(q Query) []OutputID {
	var ids []OutputID
	s.forEachOutput(func(id OutputID, addr string, value Amount,
		status SpendStatus) {

		if q.matches(id, addr, status) {
			ids = append(ids, id)
		}
	})
	return ids
}

// QuerySum returns the summed value of all outputs matching the query.
func (s *Store) QuerySum(q Query) Amount {
	var total Amount
	s.forEachOutput(func(id OutputID, addr string, value Amount,
		status SpendStatus) {

		if q.matches(id, addr, status) {
			total += value
		}
	})
	return total
}

// forEachOutput visits every output of every record in insertion order.
func (s *Store) forEachOutput(f func(OutputID, string, Amount, SpendStatus)) {
	for _, txid := range s.order {
		rec := s.records[txid]
		for i := range rec.TransparentOutputs {
			out := &rec.TransparentOutputs[i]
			f(OutputID{
				TxID:  txid,
				Pool:  netparams.PoolTransparent,
				Index: uint32(i),
			}, out.Address, out.Value, out.Status)
		}
		for _, pool := range netparams.ShieldedPools {
			notes := rec.ShieldedNotes(pool)
			for i := range notes {
				f(OutputID{
					TxID:  txid,
					Pool:  pool,
					Index: uint32(i),
				}, notes[i].Address, notes[i].Value, notes[i].Status)
			}
		}
	}
}
