// Package db holds maintenance helpers for the node's leveldb stores.
package db

import (
	"context"
	"fmt"
	"os"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"go.uber.org/zap"

	"github.com/lucidnet/anchorage/logging"
)

// Migrate moves a store to a new location. Earlier releases kept the
// receipt store under the data directory; it now lives with the other
// DBs. All keys are copied in one transaction and the old store is
// removed afterwards. Migration is skipped when the old store doesn't
// exist, and fails when the target already does.
func Migrate(ctx context.Context, targetDbDir, oldDbDir string) error {
	log := logging.FromContext(ctx)
	if oldDbDir == targetDbDir {
		log.Debug("skipping in-place store migration")
		return nil
	}

	oldDb, err := leveldb.OpenFile(oldDbDir, &opt.Options{ErrorIfMissing: true})
	switch {
	case os.IsNotExist(err):
		log.Debug("skipping store migration - old store doesn't exist")
		return nil
	case err != nil:
		return fmt.Errorf("opening old store: %w", err)
	}
	defer oldDb.Close()

	log.Info("migrating store location",
		zap.String("oldDbDir", oldDbDir),
		zap.String("targetDbDir", targetDbDir),
	)

	targetDb, err := leveldb.OpenFile(targetDbDir, &opt.Options{ErrorIfExist: true})
	if err != nil {
		return fmt.Errorf("opening target store: %w", err)
	}
	defer targetDb.Close()

	tx, err := targetDb.OpenTransaction()
	if err != nil {
		return fmt.Errorf("opening target store transaction: %w", err)
	}
	iter := oldDb.NewIterator(nil, nil)
	defer iter.Release()
	for iter.Next() {
		if err := tx.Put(iter.Key(), iter.Value(), nil); err != nil {
			tx.Discard()
			return fmt.Errorf("migrating key %X: %w", iter.Key(), err)
		}
	}
	iter.Release()
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing store transaction: %w", err)
	}

	if err := oldDb.Close(); err != nil {
		return fmt.Errorf("closing old store: %w", err)
	}
	if err := os.RemoveAll(oldDbDir); err != nil {
		return fmt.Errorf("removing old store: %w", err)
	}
	log.Info("store migrated to new location")
	return nil
}
