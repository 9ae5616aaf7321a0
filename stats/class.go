// Package stats reads and writes the planner statistics kept in the system catalogs: the size estimates of
// pg_class and the extended statistics objects of pg_statistic_ext.
package stats

import (
	"bytes"

	"github.com/cockroachdb/errors"
	"mit.edu/dsg/hypostats/access"
	"mit.edu/dsg/hypostats/catalog"
	"mit.edu/dsg/hypostats/common"
	"mit.edu/dsg/hypostats/indexing"
	"mit.edu/dsg/hypostats/syscache"
	"mit.edu/dsg/hypostats/transaction"
)

// ClassStat is the statistics part of a pg_class row.
type ClassStat struct {
	Oid          common.ObjectID
	Relname      string
	Relnamespace common.ObjectID
	// Relpages is the size of the relation in pages.
	Relpages int32
	// Reltuples is the estimated number of live rows; -1 means the relation was never analyzed.
	Reltuples     float32
	Relallvisible int32
}

// classFixed mirrors the fixed-width prefix of a pg_class row.
type classFixed struct {
	Oid           uint32
	Relname       [common.NameLength]byte
	Relnamespace  uint32
	Relpages      int32
	Reltuples     float32
	Relallvisible int32
}

func (f *classFixed) toStat() ClassStat {
	return ClassStat{
		Oid:           common.ObjectID(f.Oid),
		Relname:       nameString(f.Relname[:]),
		Relnamespace:  common.ObjectID(f.Relnamespace),
		Relpages:      f.Relpages,
		Reltuples:     f.Reltuples,
		Relallvisible: f.Relallvisible,
	}
}

func nameString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}

// ReadClassStat returns the pg_class statistics of relid. The boolean is false if pg_class has no row for relid.
func ReadClassStat(eng access.Engine, txn *transaction.TransactionContext, relid common.ObjectID) (ClassStat, bool, error) {
	rel, err := access.Open(eng, txn, catalog.PgClassOid, transaction.AccessShareLock)
	if err != nil {
		return ClassStat{}, false, err
	}
	defer rel.Close()

	tup := access.SearchSysCache(eng, rel, syscache.RelOid, common.NewOidValue(relid))
	if tup.IsNull() {
		return ClassStat{}, false, nil
	}
	defer tup.Release()

	var rec classFixed
	if err := access.DecodeFixed(tup, catalog.PgClassOid, &rec); err != nil {
		return ClassStat{}, false, errors.Wrapf(err, "reading pg_class row of %d", relid)
	}
	return rec.toStat(), true, nil
}

// ListClassStats returns the pg_class statistics of up to limit relations in oid order, starting at oid from.
// limit <= 0 lists every relation from there on.
func ListClassStats(eng access.Engine, txn *transaction.TransactionContext, from common.ObjectID, limit int) ([]ClassStat, error) {
	rel, err := access.Open(eng, txn, catalog.PgClassOid, transaction.AccessShareLock)
	if err != nil {
		return nil, err
	}
	defer rel.Close()

	rows, err := rel.ScanIndexRange(catalog.ClassOidIndexOid, indexing.ScanDirectionForward, limit, common.NewOidValue(from))
	if err != nil {
		return nil, err
	}
	defer access.ReleaseAll(rows)

	result := make([]ClassStat, len(rows))
	for i, row := range rows {
		var rec classFixed
		if err := access.DecodeFixed(row, catalog.PgClassOid, &rec); err != nil {
			return nil, errors.Wrapf(err, "reading pg_class row %d of %d", i+1, len(rows))
		}
		result[i] = rec.toStat()
	}
	return result, nil
}

// MaxClassOid returns the highest relation oid in pg_class, or InvalidObjectID if pg_class is empty.
func MaxClassOid(eng access.Engine, txn *transaction.TransactionContext) (common.ObjectID, error) {
	rel, err := access.Open(eng, txn, catalog.PgClassOid, transaction.AccessShareLock)
	if err != nil {
		return common.InvalidObjectID, err
	}
	defer rel.Close()

	rows, err := rel.ScanIndexRange(catalog.ClassOidIndexOid, indexing.ScanDirectionBackward, 1)
	if err != nil {
		return common.InvalidObjectID, err
	}
	defer access.ReleaseAll(rows)
	if len(rows) == 0 {
		return common.InvalidObjectID, nil
	}
	oid, _ := rows[0].GetAttr(catalog.AnumPgClassOid)
	return oid.OidValue(), nil
}

// InsertClassStat adds the pg_class row of a new relation. reloptions is left NULL.
func InsertClassStat(eng access.Engine, txn *transaction.TransactionContext, stat ClassStat) error {
	rel, err := access.Open(eng, txn, catalog.PgClassOid, transaction.RowExclusiveLock)
	if err != nil {
		return err
	}
	defer rel.Close()

	values := make([]common.Value, catalog.NattsPgClass)
	nulls := make([]bool, catalog.NattsPgClass)
	values[catalog.AnumPgClassOid-1] = common.NewOidValue(stat.Oid)
	values[catalog.AnumPgClassRelname-1] = common.NewNameValue(stat.Relname)
	values[catalog.AnumPgClassRelnamespace-1] = common.NewOidValue(stat.Relnamespace)
	values[catalog.AnumPgClassRelpages-1] = common.NewInt32Value(stat.Relpages)
	values[catalog.AnumPgClassReltuples-1] = common.NewFloat32Value(stat.Reltuples)
	values[catalog.AnumPgClassRelallvisible-1] = common.NewInt32Value(stat.Relallvisible)
	nulls[catalog.AnumPgClassReloptions-1] = true

	tup := rel.Assemble(values, nulls)
	defer tup.Release()
	if _, err := rel.InsertWithIndexMaintenance(tup); err != nil {
		return errors.Wrapf(err, "adding pg_class row for %q", stat.Relname)
	}
	return nil
}

// WriteClassStat overwrites relpages, reltuples and relallvisible of relid's pg_class row with those of stat. The
// name and namespace of the row are not changed.
func WriteClassStat(eng access.Engine, txn *transaction.TransactionContext, relid common.ObjectID, stat ClassStat) error {
	rel, err := access.Open(eng, txn, catalog.PgClassOid, transaction.RowExclusiveLock)
	if err != nil {
		return err
	}
	defer rel.Close()

	old := access.SearchSysCache(eng, rel, syscache.RelOid, common.NewOidValue(relid))
	if old.IsNull() {
		return common.NewError(common.NoSuchObjectError, "pg_class has no row for relation %d", relid)
	}
	defer old.Release()

	ctx := access.NewModifyContext(catalog.NattsPgClass)
	ctx.Replace(catalog.AnumPgClassRelpages, common.NewInt32Value(stat.Relpages))
	ctx.Replace(catalog.AnumPgClassReltuples, common.NewFloat32Value(stat.Reltuples))
	ctx.Replace(catalog.AnumPgClassRelallvisible, common.NewInt32Value(stat.Relallvisible))
	tup := old.Modify(ctx)
	defer tup.Release()

	if _, err := rel.UpdateWithIndexMaintenance(tup); err != nil {
		return errors.Wrapf(err, "updating pg_class row of %d", relid)
	}
	return nil
}

// ResetClassStat puts relid's statistics back to the values of a never analyzed relation.
func ResetClassStat(eng access.Engine, txn *transaction.TransactionContext, relid common.ObjectID) error {
	rel, err := access.Open(eng, txn, catalog.PgClassOid, transaction.RowExclusiveLock)
	if err != nil {
		return err
	}
	defer rel.Close()

	old := access.SearchSysCache(eng, rel, syscache.RelOid, common.NewOidValue(relid))
	if old.IsNull() {
		return common.NewError(common.NoSuchObjectError, "pg_class has no row for relation %d", relid)
	}
	defer old.Release()

	tup := old.Copy()
	defer tup.Release()

	var rec classFixed
	if err := access.DecodeFixed(tup, catalog.PgClassOid, &rec); err != nil {
		return err
	}
	rec.Relpages = 0
	rec.Reltuples = -1
	rec.Relallvisible = 0
	if err := access.EncodeFixed(tup, catalog.PgClassOid, &rec); err != nil {
		return err
	}

	if _, err := rel.UpdateWithIndexMaintenance(tup); err != nil {
		return errors.Wrapf(err, "resetting pg_class row of %d", relid)
	}
	return nil
}
