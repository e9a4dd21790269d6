// Package keystore keeps key shares and tracks which epoch of each share is
// current.
//
// A share becomes current when stored by Put for a key that has no current
// epoch yet, or when stored by Rotate after a re-key. Rotate deletes every
// other epoch of the same key and party, so shares retired by a re-key can no
// longer be loaded. CheckCurrent and Guard reject signing with a retired
// share that the caller still holds in memory.
package keystore

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v2"

	"github.com/0xCarbon/libtss/pkg/dkls23"
	"github.com/0xCarbon/libtss/pkg/dkls23/dkg"
	"github.com/0xCarbon/libtss/pkg/dkls23/engine"
	"github.com/0xCarbon/libtss/pkg/dkls23/logging"
	"github.com/0xCarbon/libtss/pkg/dkls23/metrics"
)

var (
	ErrNotFound      = errors.New("keystore: not found")
	ErrAlreadyExists = errors.New("keystore: already exists")
	// ErrRetired is returned for a share whose epoch was superseded by a
	// re-key.
	ErrRetired = errors.New("keystore: share epoch retired")
)

// Config configures a Store.
type Config struct {
	// Dir is the badger directory. Empty means an in-memory store.
	Dir     string
	Logger  logging.Logger
	Metrics *metrics.Collector
}

// Store is a badger backed key-share store. It is safe for concurrent use.
type Store struct {
	db      *badger.DB
	log     logging.Logger
	metrics *metrics.Collector
}

// Open opens or creates the store described by cfg.
func Open(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Dir).WithLogger(nil)
	if cfg.Dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("keystore: open: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New(nil)
	}
	return &Store{db: db, log: cfg.Logger.With("component", "keystore"), metrics: cfg.Metrics}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Put stores a share produced by DKG or import. It becomes current if its
// key has no current epoch for this party.
func (s *Store) Put(ctx context.Context, share *dkg.KeyShare) (err error) {
	defer func() { s.metrics.StoreOp("put", err) }()
	if err := share.Validate(); err != nil {
		return err
	}
	pk := share.PublicKeyBytes()
	err = s.db.Update(func(tx *badger.Txn) error {
		if err := insertShare(share)(tx); err != nil {
			return err
		}
		var cur dkls23.SessionID
		err := retrieveEpoch(pk, share.PartyIndex, &cur)(tx)
		if errors.Is(err, ErrNotFound) {
			return setEpoch(pk, share.PartyIndex, share.Epoch)(tx)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("keystore: put: %w", err)
	}
	s.log.Debug(ctx, "key share stored",
		"public_key", share.PublicKeyHex(), logging.KeyParty, int(share.PartyIndex), "epoch", share.Epoch.Short(),
		logging.Redacted("key_share"))
	return nil
}

// Rotate stores the output of a re-key, makes it current and deletes the
// retired epochs of the same key and party.
func (s *Store) Rotate(ctx context.Context, share *dkg.KeyShare) (err error) {
	defer func() { s.metrics.StoreOp("rotate", err) }()
	if err := share.Validate(); err != nil {
		return err
	}
	pk := share.PublicKeyBytes()
	err = s.db.Update(func(tx *badger.Txn) error {
		if err := insertShare(share)(tx); err != nil {
			return err
		}
		if err := setEpoch(pk, share.PartyIndex, share.Epoch)(tx); err != nil {
			return err
		}
		return removeOtherEpochs(pk, share.PartyIndex, share.Epoch)(tx)
	})
	if err != nil {
		return fmt.Errorf("keystore: rotate: %w", err)
	}
	s.log.Info(ctx, "key share rotated",
		"public_key", share.PublicKeyHex(), logging.KeyParty, int(share.PartyIndex), "epoch", share.Epoch.Short())
	return nil
}

// Get loads the current share of party for publicKey.
func (s *Store) Get(publicKey []byte, party dkls23.PartyIndex) (share *dkg.KeyShare, err error) {
	defer func() { s.metrics.StoreOp("get", err) }()
	err = s.db.View(func(tx *badger.Txn) error {
		var epoch dkls23.SessionID
		if err := retrieveEpoch(publicKey, party, &epoch)(tx); err != nil {
			return err
		}
		return retrieveShare(publicKey, party, epoch, &share)(tx)
	})
	if err != nil {
		return nil, fmt.Errorf("keystore: get: %w", err)
	}
	return share, nil
}

// CurrentEpoch returns the current epoch of party for publicKey.
func (s *Store) CurrentEpoch(publicKey []byte, party dkls23.PartyIndex) (dkls23.SessionID, error) {
	var epoch dkls23.SessionID
	if err := s.db.View(retrieveEpoch(publicKey, party, &epoch)); err != nil {
		return nil, fmt.Errorf("keystore: epoch: %w", err)
	}
	return epoch, nil
}

// CheckCurrent fails with an InvalidInput error wrapping ErrRetired when a
// newer epoch of share's key is current. Unknown keys pass.
func (s *Store) CheckCurrent(share *dkg.KeyShare) error {
	if share == nil {
		return nil
	}
	epoch, err := s.CurrentEpoch(share.PublicKeyBytes(), share.PartyIndex)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !epoch.Equal(share.Epoch) {
		return dkls23.NewError(dkls23.KindInvalidInput, "keystore.check", nil, ErrRetired)
	}
	return nil
}

// Guard wraps e so that sign and re-key runs started with a retired share are
// rejected before phase 1.
func (s *Store) Guard(e engine.Engine) engine.Engine {
	return engine.EngineFunc(func(ctx context.Context, req engine.Request) (engine.Result, error) {
		if req.Phase == dkls23.Phase1 && req.Protocol != dkls23.ProtocolDKG {
			if err := s.CheckCurrent(req.KeyShare); err != nil {
				return engine.Result{}, err
			}
		}
		return e.RunPhase(ctx, req)
	})
}
