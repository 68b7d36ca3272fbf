package vault

import (
	"encoding/json"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
	"github.com/hyperlicked/perpcore/pkg/apperr"
)

// Store is the Pebble-backed persistence layer for vault accounts and the
// insurance fund, following the same tuning the teacher used for its
// account store.
type Store struct {
	db *pebble.DB
}

func NewStore(dbPath string) (*Store, error) {
	opts := &pebble.Options{
		Cache:                 pebble.NewCache(128 << 20),
		MemTableSize:          64 << 20,
		L0CompactionThreshold: 2,
		L0StopWritesThreshold: 12,
		LBaseMaxBytes:         64 << 20,
		MaxOpenFiles:          1000,
		BytesPerSync:          512 << 10,
	}
	db, err := pebble.Open(dbPath, opts)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindFatal, apperr.CodeDBConstraintViolation, "failed to open vault store", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) SaveAccount(acc *Account) error {
	data, err := json.Marshal(acc)
	if err != nil {
		return apperr.Wrap(apperr.KindFatal, apperr.CodeDBConstraintViolation, "marshal account", err)
	}
	if err := s.db.Set(accountKey(acc.Address), data, pebble.Sync); err != nil {
		return apperr.Wrap(apperr.KindTransient, apperr.CodeDBBusy, "save account", err)
	}
	return nil
}

func (s *Store) LoadAccount(addr common.Address) (*Account, error) {
	data, closer, err := s.db.Get(accountKey(addr))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransient, apperr.CodeDBBusy, "load account", err)
	}
	defer closer.Close()

	var acc Account
	if err := json.Unmarshal(data, &acc); err != nil {
		return nil, apperr.Wrap(apperr.KindFatal, apperr.CodeDBConstraintViolation, "unmarshal account", err)
	}
	if acc.Positions == nil {
		acc.Positions = make(map[string]*Position)
	}
	return &acc, nil
}

// LoadAllAccounts scans every account record, used at startup to warm the
// in-memory cache and to feed liquidation/funding scans.
func (s *Store) LoadAllAccounts() ([]*Account, error) {
	prefix := []byte(prefixAccount)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: keyUpperBound(prefix)})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransient, apperr.CodeDBBusy, "iterate accounts", err)
	}
	defer iter.Close()

	var out []*Account
	for iter.First(); iter.Valid(); iter.Next() {
		var acc Account
		if err := json.Unmarshal(iter.Value(), &acc); err != nil {
			continue
		}
		if acc.Positions == nil {
			acc.Positions = make(map[string]*Position)
		}
		out = append(out, &acc)
	}
	return out, nil
}

// insuranceFundState is the persisted shape of the socialized-loss buffer.
type insuranceFundState struct {
	Balance string `json:"balance"`
}

func (s *Store) SaveInsuranceFund(balanceRaw string) error {
	data, err := json.Marshal(insuranceFundState{Balance: balanceRaw})
	if err != nil {
		return apperr.Wrap(apperr.KindFatal, apperr.CodeDBConstraintViolation, "marshal insurance fund", err)
	}
	return s.db.Set(insuranceKey(), data, pebble.Sync)
}

func (s *Store) LoadInsuranceFund() (string, error) {
	data, closer, err := s.db.Get(insuranceKey())
	if err == pebble.ErrNotFound {
		return "0", nil
	}
	if err != nil {
		return "0", apperr.Wrap(apperr.KindTransient, apperr.CodeDBBusy, "load insurance fund", err)
	}
	defer closer.Close()
	var state insuranceFundState
	if err := json.Unmarshal(data, &state); err != nil {
		return "0", apperr.Wrap(apperr.KindFatal, apperr.CodeDBConstraintViolation, "unmarshal insurance fund", err)
	}
	return state.Balance, nil
}

// SaveBridgeCredit persists a processed bridge deposit keyed by tx hash so
// replayed events are naturally deduplicated at the ingestion layer (C9)
// rather than double-crediting a trader's balance.
func (s *Store) SaveBridgeCredit(addr common.Address, credit BridgeCredit) error {
	data, err := json.Marshal(credit)
	if err != nil {
		return apperr.Wrap(apperr.KindFatal, apperr.CodeDBConstraintViolation, "marshal bridge credit", err)
	}
	return s.db.Set(bridgeCreditKey(addr, credit.TxHash), data, pebble.Sync)
}

func (s *Store) HasBridgeCredit(addr common.Address, txHash [32]byte) (bool, error) {
	_, closer, err := s.db.Get(bridgeCreditKey(addr, txHash))
	if err == pebble.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, apperr.Wrap(apperr.KindTransient, apperr.CodeDBBusy, "check bridge credit", err)
	}
	closer.Close()
	return true, nil
}
