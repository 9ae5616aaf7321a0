package hypostats

import (
	"io"
	"log/slog"
	"os"

	"github.com/cockroachdb/errors"
	"mit.edu/dsg/hypostats/access"
	"mit.edu/dsg/hypostats/backend"
	"mit.edu/dsg/hypostats/catalog"
	"mit.edu/dsg/hypostats/common"
	"mit.edu/dsg/hypostats/logging"
	"mit.edu/dsg/hypostats/stats"
	"mit.edu/dsg/hypostats/transaction"
)

// Options configures a Database.
type Options struct {
	// DataDir holds the catalog metadata and heap checkpoints. Empty keeps everything in memory.
	DataDir string
	Log     logging.Config
	// CompressionThreshold is the text length from which attributes are stored compressed; 0 disables it.
	CompressionThreshold int
}

// DefaultOptions returns options for an in-memory database logging to stderr.
func DefaultOptions() Options {
	return Options{Log: logging.DefaultConfig(), CompressionThreshold: 256}
}

// Database is the top-level container of the catalog engine.
type Database struct {
	Catalog            *catalog.Catalog
	Backend            *backend.Backend
	TransactionManager *transaction.TransactionManager
	LockManager        *transaction.LockManager
	Logger             *slog.Logger

	opts      Options
	provider  catalog.PersistenceProvider
	logCloser io.Closer
}

// Work is a unit of work run by Database.Run. It sees an engine that accounts resources to the unit of work.
type Work func(eng access.Engine, txn *transaction.TransactionContext) error

// Open creates or reopens a database.
func Open(opts Options) (*Database, error) {
	logger, logCloser, err := logging.New(opts.Log)
	if err != nil {
		return nil, err
	}

	var provider catalog.PersistenceProvider = &catalog.MemCatalogManager{}
	if opts.DataDir != "" {
		if err := os.MkdirAll(opts.DataDir, 0755); err != nil {
			_ = logCloser.Close()
			return nil, err
		}
		provider = catalog.NewDiskCatalogManager(opts.DataDir)
	}

	db, err := open(opts, provider, logger)
	if err != nil {
		_ = logCloser.Close()
		return nil, err
	}
	db.logCloser = logCloser
	return db, nil
}

func open(opts Options, provider catalog.PersistenceProvider, logger *slog.Logger) (*Database, error) {
	cat, err := catalog.NewCatalog(provider)
	if err != nil {
		return nil, errors.Wrap(err, "loading catalog")
	}
	lockManager := transaction.NewLockManager()
	transactionManager := transaction.NewTransactionManager(lockManager, logger)
	engine, err := backend.New(cat, provider, backend.Config{
		CompressThreshold: opts.CompressionThreshold,
		Logger:            logger,
	})
	if err != nil {
		return nil, err
	}
	if opts.DataDir != "" {
		if err := engine.LoadCheckpoint(opts.DataDir); err != nil {
			return nil, errors.Wrap(err, "loading checkpoint")
		}
	}

	db := &Database{
		Catalog:            cat,
		Backend:            engine,
		TransactionManager: transactionManager,
		LockManager:        lockManager,
		Logger:             logger,
		opts:               opts,
		provider:           provider,
		logCloser:          nopCloser{},
	}
	if err := db.ensureClassRows(); err != nil {
		return nil, err
	}
	if err := db.checkOidCounter(); err != nil {
		return nil, err
	}
	logger.Info("database opened", "dir", opts.DataDir, "relations", len(cat.AllTables()))
	return db, nil
}

// ensureClassRows gives every relation and index known to the catalog a pg_class row.
func (db *Database) ensureClassRows() error {
	return db.Run(func(eng access.Engine, txn *transaction.TransactionContext) error {
		for _, t := range db.Catalog.AllTables() {
			namespace := catalog.PublicNamespaceOid
			if t.System {
				namespace = catalog.PgCatalogNamespaceOid
			}
			if err := ensureClassRow(eng, txn, t.Oid, t.Name, namespace); err != nil {
				return err
			}
			for _, idx := range t.Indexes {
				if err := ensureClassRow(eng, txn, idx.Oid, idx.Name, namespace); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// checkOidCounter refuses a catalog whose oid counter would hand out an oid pg_class already uses.
func (db *Database) checkOidCounter() error {
	return db.Run(func(eng access.Engine, txn *transaction.TransactionContext) error {
		highest, err := stats.MaxClassOid(eng, txn)
		if err != nil {
			return err
		}
		if next := db.Catalog.NextOid(); highest >= next {
			return errors.Newf("catalog oid counter %d is not past pg_class oid %d", next, highest)
		}
		return nil
	})
}

func ensureClassRow(eng access.Engine, txn *transaction.TransactionContext, oid common.ObjectID, name string,
	namespace common.ObjectID) error {
	_, found, err := stats.ReadClassStat(eng, txn, oid)
	if err != nil || found {
		return err
	}
	return stats.InsertClassStat(eng, txn, stats.ClassStat{
		Oid:          oid,
		Relname:      name,
		Relnamespace: namespace,
		Reltuples:    -1,
	})
}

// Run executes fn as one unit of work. The work commits if fn returns nil and aborts otherwise; a panic inside fn
// aborts the work and is returned as an error. Locks or resources still held when fn returns are reported as
// leaks.
func (db *Database) Run(fn Work) (err error) {
	txn := db.TransactionManager.Begin()
	owner := backend.NewResourceOwner(txn.Tag().String())
	eng := db.Backend.WithOwner(owner)
	logger := logging.WithTxn(db.Logger, txn.ID(), txn.Tag().String())

	defer func() {
		if r := recover(); r != nil {
			if perr, ok := r.(error); ok {
				err = errors.Wrap(perr, "unit of work panicked")
			} else {
				err = errors.AssertionFailedf("unit of work panicked: %v", r)
			}
		}
		if n := txn.NumHeldLocks(); n > 0 {
			logger.Warn("unit of work ended holding locks", "count", n)
		}
		if counts := owner.Counts(); !counts.IsZero() {
			logger.Warn("unit of work leaked resources", "resources", counts.String())
		}
		if err != nil {
			db.TransactionManager.Abort(txn)
			logger.Debug("unit of work aborted", "err", err)
			return
		}
		db.TransactionManager.Commit(txn)
	}()

	return fn(eng, txn)
}

// CreateRelation defines a user table and records it in pg_class.
func (db *Database) CreateRelation(name string, columns []catalog.Column) (common.ObjectID, error) {
	table, err := db.Backend.DefineRelation(name, columns)
	if err != nil {
		return common.InvalidObjectID, err
	}
	err = db.Run(func(eng access.Engine, txn *transaction.TransactionContext) error {
		return stats.InsertClassStat(eng, txn, stats.ClassStat{
			Oid:          table.Oid,
			Relname:      table.Name,
			Relnamespace: catalog.PublicNamespaceOid,
			Reltuples:    -1,
		})
	})
	if err != nil {
		return common.InvalidObjectID, err
	}
	db.Logger.Info("relation created", "relation", name, "oid", table.Oid)
	return table.Oid, nil
}

// CreateIndex defines an index on relation relid, builds it from the existing rows and records it in pg_class.
func (db *Database) CreateIndex(relid common.ObjectID, name string, indexType string, columns []string,
	unique bool) (common.ObjectID, error) {
	var oid common.ObjectID
	err := db.Run(func(eng access.Engine, txn *transaction.TransactionContext) error {
		rel, err := access.Open(eng, txn, relid, transaction.ShareLock)
		if err != nil {
			return err
		}
		defer rel.Close()

		def, err := db.Backend.DefineIndex(txn, relid, name, indexType, columns, unique)
		if err != nil {
			return err
		}
		oid = def.Oid
		if err := ensureClassRow(eng, txn, def.Oid, def.Name, catalog.PublicNamespaceOid); err != nil {
			return errors.CombineErrors(err, db.Backend.DropIndex(txn, relid, def.Oid))
		}
		return nil
	})
	if err != nil {
		return common.InvalidObjectID, err
	}
	return oid, nil
}

// CreateStatistics allocates an oid for stat and adds it to pg_statistic_ext. Namespace and owner default to the
// public namespace and the bootstrap superuser.
func (db *Database) CreateStatistics(stat stats.StatisticExt) (common.ObjectID, error) {
	oid, err := db.Catalog.AllocateOid(db.provider)
	if err != nil {
		return common.InvalidObjectID, err
	}
	stat.Oid = oid
	if stat.Stxnamespace == common.InvalidObjectID {
		stat.Stxnamespace = catalog.PublicNamespaceOid
	}
	if stat.Stxowner == common.InvalidObjectID {
		stat.Stxowner = catalog.BootstrapSuperuserOid
	}
	err = db.Run(func(eng access.Engine, txn *transaction.TransactionContext) error {
		return stats.CreateStatisticExt(eng, txn, stat)
	})
	if err != nil {
		return common.InvalidObjectID, err
	}
	return oid, nil
}

// ClassStats returns the pg_class statistics of every relation and index in oid order.
func (db *Database) ClassStats() ([]stats.ClassStat, error) {
	var result []stats.ClassStat
	err := db.Run(func(eng access.Engine, txn *transaction.TransactionContext) error {
		var err error
		result, err = stats.ListClassStats(eng, txn, common.InvalidObjectID, 0)
		return err
	})
	return result, err
}

// CacheStats reports the hit and miss counts of the system caches.
func (db *Database) CacheStats() (hits, misses int64) {
	return db.Backend.SysCache().Stats()
}

// Checkpoint writes the catalog heaps to the data directory. It fails while units of work are running.
func (db *Database) Checkpoint() error {
	if db.opts.DataDir == "" {
		return errors.New("checkpoint of an in-memory database")
	}
	if active := db.TransactionManager.ActiveTransactions(); len(active) > 0 {
		return errors.Newf("checkpoint with %d units of work running", len(active))
	}
	if err := db.Backend.SaveCheckpoint(db.opts.DataDir); err != nil {
		return errors.Wrap(err, "writing checkpoint")
	}
	db.Logger.Info("checkpoint written", "dir", db.opts.DataDir)
	return nil
}

// Close checkpoints a database with a data directory and releases the log output.
func (db *Database) Close() error {
	var err error
	if db.opts.DataDir != "" {
		err = db.Checkpoint()
	}
	if counts := db.Backend.Resources(); !counts.IsZero() {
		db.Logger.Warn("closing with resources held", "resources", counts.String())
	}
	return errors.CombineErrors(err, db.logCloser.Close())
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
