package receipts_test

import (
	"context"
	"fmt"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/vottery/vottery-backend/mixnet"
	"github.com/vottery/vottery-backend/receipts"
	"github.com/vottery/vottery-backend/storage/merkletree"
	"github.com/vottery/vottery-backend/tally"
	"github.com/vottery/vottery-backend/testutil"
	"github.com/vottery/vottery-backend/types"
	"github.com/vottery/vottery-backend/util"
)

func TestIssueReceipt(t *testing.T) {
	c := qt.New(t)
	eid := util.RandomBytes(types.ElectionIDLen)
	commitment := util.RandomBytes(32)
	r1 := receipts.IssueReceipt(eid, commitment, util.RandomBytes(32))
	r2 := receipts.IssueReceipt(eid, commitment, util.RandomBytes(32))

	c.Assert(r1.VerificationCode, qt.HasLen, 2*types.VerificationCodeLen)
	c.Assert(r1.VerificationCode, qt.Not(qt.Equals), r2.VerificationCode)
	c.Assert(r1.ReceiptID, qt.Not(qt.Equals), r2.ReceiptID)
	c.Assert([]byte(r1.ReceiptHash), qt.DeepEquals, receipts.Hash(eid, r1.VerificationCode, commitment))
	c.Assert(r1.ReceiptHash, qt.Not(qt.DeepEquals), r2.ReceiptHash)
}

func TestVerify(t *testing.T) {
	c := qt.New(t)
	f := testutil.NewElection(t, 3, 2, 3)
	svc := receipts.New(f.Storage, f.Trees)

	var issued []*types.Receipt
	for i := range 6 {
		r, err := f.Vote([]byte(fmt.Sprintf("voter-%d", i)), i%3)
		c.Assert(err, qt.IsNil)
		issued = append(issued, r)
	}

	_, err := svc.Get("unknown")
	c.Assert(err, qt.ErrorIs, receipts.ErrReceiptNotFound)
	got, err := svc.Get(issued[0].VerificationCode)
	c.Assert(err, qt.IsNil)
	c.Assert(got.Commitment, qt.DeepEquals, issued[0].Commitment)

	_, err = svc.Verify(issued[0].VerificationCode)
	c.Assert(err, qt.ErrorIs, receipts.ErrNotYetTallied)
	pending, err := svc.VerifyReceipt(issued[0].VerificationCode, issued[0].ReceiptHash)
	c.Assert(err, qt.IsNil)
	c.Assert(pending.Status, qt.Equals, receipts.StatusPending)
	c.Assert(pending.IsValid, qt.IsFalse)
	c.Assert(pending.CryptoProofs, qt.DeepEquals, receipts.CryptoProofs{
		ZKProofValid: true, EncryptionValid: true, NullifierValid: true, HashValid: true,
	})

	f.SetStatus(t, types.ElectionStatusClosed)
	result, err := tally.New(f.Storage, f.Trees, mixnet.New(f.Storage), f.Authority).
		Tally(context.Background(), f.Election.ID)
	c.Assert(err, qt.IsNil)

	for _, r := range issued {
		inc, err := svc.Verify(r.VerificationCode)
		c.Assert(err, qt.IsNil)
		c.Assert(inc.Included, qt.IsTrue)
		c.Assert(inc.Root, qt.DeepEquals, result.CommitmentRoot)
		c.Assert(merkletree.VerifyProof(inc.Proof), qt.IsTrue)
		c.Assert([]byte(inc.Proof.Value), qt.DeepEquals, []byte(r.Commitment))

		v, err := svc.VerifyReceipt(r.VerificationCode, r.ReceiptHash)
		c.Assert(err, qt.IsNil)
		c.Assert(v.IsValid, qt.IsTrue)
		c.Assert(v.Status, qt.Equals, receipts.StatusVerified)
		c.Assert(len(v.AuditTrail) >= 3, qt.IsTrue)
	}

	// a wrong receipt hash fails the verification
	v, err := svc.VerifyReceipt(issued[1].VerificationCode, util.RandomBytes(32))
	c.Assert(err, qt.IsNil)
	c.Assert(v.IsValid, qt.IsFalse)
	c.Assert(v.Status, qt.Equals, receipts.StatusInvalid)
	c.Assert(v.CryptoProofs.HashValid, qt.IsFalse)
	c.Assert(v.CryptoProofs.ZKProofValid, qt.IsTrue)
}
