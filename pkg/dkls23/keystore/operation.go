package keystore

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"

	"github.com/dgraph-io/badger/v2"

	"github.com/0xCarbon/libtss/pkg/dkls23"
	"github.com/0xCarbon/libtss/pkg/dkls23/dkg"
)

const (
	codeShare = "share"
	codeEpoch = "epoch"
)

func partyKey(code string, publicKey []byte, party dkls23.PartyIndex) []byte {
	return []byte(code + "/" + hex.EncodeToString(publicKey) + "/" + strconv.Itoa(int(party)) + "/")
}

func shareKey(publicKey []byte, party dkls23.PartyIndex, epoch dkls23.SessionID) []byte {
	return append(partyKey(codeShare, publicKey, party), hex.EncodeToString(epoch)...)
}

func epochKey(publicKey []byte, party dkls23.PartyIndex) []byte {
	return partyKey(codeEpoch, publicKey, party)
}

// insertShare stores share under its epoch. An existing entry is an error.
func insertShare(share *dkg.KeyShare) func(*badger.Txn) error {
	return func(tx *badger.Txn) error {
		key := shareKey(share.PublicKeyBytes(), share.PartyIndex, share.Epoch)
		_, err := tx.Get(key)
		if err == nil {
			return ErrAlreadyExists
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("could not check key: %w", err)
		}
		val, err := share.Encode()
		if err != nil {
			return fmt.Errorf("could not encode share: %w", err)
		}
		if err := tx.Set(key, val); err != nil {
			return fmt.Errorf("could not store share: %w", err)
		}
		return nil
	}
}

func retrieveShare(publicKey []byte, party dkls23.PartyIndex, epoch dkls23.SessionID, out **dkg.KeyShare) func(*badger.Txn) error {
	return func(tx *badger.Txn) error {
		item, err := tx.Get(shareKey(publicKey, party, epoch))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("could not load share: %w", err)
		}
		return item.Value(func(val []byte) error {
			share, err := dkg.UnmarshalKeyShare(val)
			if err != nil {
				return fmt.Errorf("could not decode share: %w", err)
			}
			*out = share
			return nil
		})
	}
}

func setEpoch(publicKey []byte, party dkls23.PartyIndex, epoch dkls23.SessionID) func(*badger.Txn) error {
	return func(tx *badger.Txn) error {
		return tx.Set(epochKey(publicKey, party), append([]byte(nil), epoch...))
	}
}

func retrieveEpoch(publicKey []byte, party dkls23.PartyIndex, out *dkls23.SessionID) func(*badger.Txn) error {
	return func(tx *badger.Txn) error {
		item, err := tx.Get(epochKey(publicKey, party))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("could not load epoch: %w", err)
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		*out = dkls23.SessionID(val)
		return nil
	}
}

// removeOtherEpochs deletes every stored share of (publicKey, party) except
// the one of keep.
func removeOtherEpochs(publicKey []byte, party dkls23.PartyIndex, keep dkls23.SessionID) func(*badger.Txn) error {
	return func(tx *badger.Txn) error {
		prefix := partyKey(codeShare, publicKey, party)
		keepKey := shareKey(publicKey, party, keep)
		var stale [][]byte
		it := tx.NewIterator(badger.IteratorOptions{Prefix: prefix})
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			if !bytes.Equal(key, keepKey) {
				stale = append(stale, key)
			}
		}
		it.Close()
		for _, key := range stale {
			if err := tx.Delete(key); err != nil {
				return fmt.Errorf("could not remove retired share: %w", err)
			}
		}
		return nil
	}
}
