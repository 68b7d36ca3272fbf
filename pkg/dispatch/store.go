package dispatch

import (
	"encoding/json"

	"github.com/cockroachdb/pebble"
	"github.com/hyperlicked/perpcore/pkg/apperr"
)

// Store is the Pebble-backed persistence layer for signer routing state
// and the submission log, tuned the same way as the teacher's account
// store.
type Store struct {
	db *pebble.DB
}

func NewStore(dbPath string) (*Store, error) {
	opts := &pebble.Options{
		Cache:                 pebble.NewCache(64 << 20),
		MemTableSize:          32 << 20,
		L0CompactionThreshold: 2,
		L0StopWritesThreshold: 12,
		LBaseMaxBytes:         64 << 20,
		MaxOpenFiles:          1000,
		BytesPerSync:          512 << 10,
	}
	db, err := pebble.Open(dbPath, opts)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindFatal, apperr.CodeDBConstraintViolation, "failed to open dispatch store", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) SaveSigner(st *SignerState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return apperr.Wrap(apperr.KindFatal, apperr.CodeDBConstraintViolation, "marshal signer state", err)
	}
	key := signerKey(SignerKey{Address: st.Address, ChainID: st.ChainID})
	if err := s.db.Set(key, data, pebble.Sync); err != nil {
		return apperr.Wrap(apperr.KindTransient, apperr.CodeDBBusy, "save signer state", err)
	}
	return nil
}

func (s *Store) LoadSigner(k SignerKey) (*SignerState, error) {
	data, closer, err := s.db.Get(signerKey(k))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransient, apperr.CodeDBBusy, "load signer state", err)
	}
	defer closer.Close()
	var st SignerState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, apperr.Wrap(apperr.KindFatal, apperr.CodeDBConstraintViolation, "unmarshal signer state", err)
	}
	return &st, nil
}

// LoadAllSigners scans every registered signer, used at startup to warm
// the pool's routing table.
func (s *Store) LoadAllSigners() ([]*SignerState, error) {
	prefix := signerPrefix()
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: keyUpperBound(prefix)})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransient, apperr.CodeDBBusy, "iterate signers", err)
	}
	defer iter.Close()

	var out []*SignerState
	for iter.First(); iter.Valid(); iter.Next() {
		var st SignerState
		if err := json.Unmarshal(iter.Value(), &st); err != nil {
			continue
		}
		out = append(out, &st)
	}
	return out, nil
}

// submissionExists reports whether a row is already present at key,
// backing the uniqueness check the allocator performs before committing
// a new nonce allocation.
func (s *Store) submissionExists(key []byte) (bool, error) {
	_, closer, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, apperr.Wrap(apperr.KindTransient, apperr.CodeDBBusy, "check submission", err)
	}
	closer.Close()
	return true, nil
}

// CommitAllocation atomically bumps a signer's next_nonce and inserts the
// new ALLOCATED submission row, mirroring the teacher's BatchWrite
// pattern for combining a counter update with a dependent row insert.
// It fails with CodeAllocationRace if the submission key is already
// occupied, since under the caller's per-(signer, chain) lock this can
// only happen from a genuine inconsistency between the in-memory and
// persisted nonce state.
func (s *Store) CommitAllocation(st *SignerState, sub *Submission) error {
	key := submissionKey(sub.Key())
	exists, err := s.submissionExists(key)
	if err != nil {
		return err
	}
	if exists {
		return apperr.New(apperr.KindFatal, apperr.CodeAllocationRace, "submission key already occupied under lock")
	}

	signerData, err := json.Marshal(st)
	if err != nil {
		return apperr.Wrap(apperr.KindFatal, apperr.CodeDBConstraintViolation, "marshal signer state", err)
	}
	subData, err := json.Marshal(sub)
	if err != nil {
		return apperr.Wrap(apperr.KindFatal, apperr.CodeDBConstraintViolation, "marshal submission", err)
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(signerKey(SignerKey{Address: st.Address, ChainID: st.ChainID}), signerData, nil); err != nil {
		return apperr.Wrap(apperr.KindFatal, apperr.CodeDBConstraintViolation, "stage signer update", err)
	}
	if err := batch.Set(key, subData, nil); err != nil {
		return apperr.Wrap(apperr.KindFatal, apperr.CodeDBConstraintViolation, "stage submission insert", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return apperr.Wrap(apperr.KindTransient, apperr.CodeDBBusy, "commit allocation batch", err)
	}
	return nil
}

func (s *Store) SaveSubmission(sub *Submission) error {
	data, err := json.Marshal(sub)
	if err != nil {
		return apperr.Wrap(apperr.KindFatal, apperr.CodeDBConstraintViolation, "marshal submission", err)
	}
	if err := s.db.Set(submissionKey(sub.Key()), data, pebble.Sync); err != nil {
		return apperr.Wrap(apperr.KindTransient, apperr.CodeDBBusy, "save submission", err)
	}
	return nil
}

// LoadSubmissions returns every submission for one signer on one chain,
// ordered by ascending nonce (the zero-padded key encoding's natural
// order).
func (s *Store) LoadSubmissions(k SignerKey) ([]*Submission, error) {
	prefix := submissionPrefix(k.Address, k.ChainID)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: keyUpperBound(prefix)})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransient, apperr.CodeDBBusy, "iterate submissions", err)
	}
	defer iter.Close()

	var out []*Submission
	for iter.First(); iter.Valid(); iter.Next() {
		var sub Submission
		if err := json.Unmarshal(iter.Value(), &sub); err != nil {
			continue
		}
		out = append(out, &sub)
	}
	return out, nil
}
