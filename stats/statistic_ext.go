package stats

import (
	"cmp"
	"slices"

	"github.com/cockroachdb/errors"
	"mit.edu/dsg/hypostats/access"
	"mit.edu/dsg/hypostats/catalog"
	"mit.edu/dsg/hypostats/common"
	"mit.edu/dsg/hypostats/syscache"
	"mit.edu/dsg/hypostats/transaction"
)

// StatisticExt is a pg_statistic_ext row. Nil pointers stand for NULL attributes.
type StatisticExt struct {
	Oid          common.ObjectID
	Stxrelid     common.ObjectID
	Stxname      string
	Stxnamespace common.ObjectID
	Stxowner     common.ObjectID
	// Stxkeys holds the attribute numbers of the columns covered, in ascending order.
	Stxkeys       []int16
	Stxstattarget *int16
	Stxkind       *string
	Stxexprs      *string
}

// statExtFixed mirrors the fixed-width prefix of a pg_statistic_ext row.
type statExtFixed struct {
	Oid          uint32
	Stxrelid     uint32
	Stxname      [common.NameLength]byte
	Stxnamespace uint32
	Stxowner     uint32
}

func decodeStatisticExtFixed(tup *access.HeapTuple) (StatisticExt, error) {
	var rec statExtFixed
	if err := access.DecodeFixed(tup, catalog.PgStatisticExtOid, &rec); err != nil {
		return StatisticExt{}, err
	}
	return StatisticExt{
		Oid:          common.ObjectID(rec.Oid),
		Stxrelid:     common.ObjectID(rec.Stxrelid),
		Stxname:      nameString(rec.Stxname[:]),
		Stxnamespace: common.ObjectID(rec.Stxnamespace),
		Stxowner:     common.ObjectID(rec.Stxowner),
	}, nil
}

// readCachedAttrs fills the variable-width attributes from a cache row.
func (s *StatisticExt) readCachedAttrs(tup *access.HeapTuple) {
	s.Stxkeys, _ = access.ReadDynamicFieldAs[[]int16](tup, syscache.StatExtOid,
		catalog.AnumPgStatisticExtStxkeys, common.Int2VectorType)
	if target, ok := access.ReadDynamicFieldAs[int16](tup, syscache.StatExtOid,
		catalog.AnumPgStatisticExtStxstattarget, common.Int16Type); ok {
		s.Stxstattarget = &target
	}
	if kind, ok := access.ReadDynamicFieldAs[string](tup, syscache.StatExtOid,
		catalog.AnumPgStatisticExtStxkind, common.TextType); ok {
		s.Stxkind = &kind
	}
	if exprs, ok := access.ReadDynamicFieldAs[string](tup, syscache.StatExtOid,
		catalog.AnumPgStatisticExtStxexprs, common.TextType); ok {
		s.Stxexprs = &exprs
	}
}

// readAttrs fills the variable-width attributes from a scanned row.
func (s *StatisticExt) readAttrs(tup *access.HeapTuple) {
	if v, ok := tup.GetAttr(catalog.AnumPgStatisticExtStxkeys); ok {
		s.Stxkeys = v.Int2VectorValue()
	}
	if v, ok := tup.GetAttr(catalog.AnumPgStatisticExtStxstattarget); ok {
		target := v.Int16Value()
		s.Stxstattarget = &target
	}
	if v, ok := tup.GetAttr(catalog.AnumPgStatisticExtStxkind); ok {
		kind := v.StringValue()
		s.Stxkind = &kind
	}
	if v, ok := tup.GetAttr(catalog.AnumPgStatisticExtStxexprs); ok {
		exprs := v.StringValue()
		s.Stxexprs = &exprs
	}
}

// ReadStatisticExt returns the statistics object oid. The boolean is false if there is none.
func ReadStatisticExt(eng access.Engine, txn *transaction.TransactionContext, oid common.ObjectID) (StatisticExt, bool, error) {
	rel, err := access.Open(eng, txn, catalog.PgStatisticExtOid, transaction.AccessShareLock)
	if err != nil {
		return StatisticExt{}, false, err
	}
	defer rel.Close()

	tup := access.SearchSysCache(eng, rel, syscache.StatExtOid, common.NewOidValue(oid))
	if tup.IsNull() {
		return StatisticExt{}, false, nil
	}
	defer tup.Release()

	stat, err := decodeStatisticExtFixed(tup)
	if err != nil {
		return StatisticExt{}, false, errors.Wrapf(err, "reading statistics object %d", oid)
	}
	stat.readCachedAttrs(tup)
	return stat, true, nil
}

// StatisticExtsForRelation returns the statistics objects defined on relid, ordered by oid.
func StatisticExtsForRelation(eng access.Engine, txn *transaction.TransactionContext, relid common.ObjectID) ([]StatisticExt, error) {
	rel, err := access.Open(eng, txn, catalog.PgStatisticExtOid, transaction.AccessShareLock)
	if err != nil {
		return nil, err
	}
	defer rel.Close()

	tuples, err := rel.ScanIndex(catalog.StatisticExtRelidIndex, common.NewOidValue(relid))
	if err != nil {
		return nil, err
	}
	defer access.ReleaseAll(tuples)

	result := make([]StatisticExt, 0, len(tuples))
	for _, tup := range tuples {
		stat, err := decodeStatisticExtFixed(tup)
		if err != nil {
			return nil, err
		}
		stat.readAttrs(tup)
		result = append(result, stat)
	}
	slices.SortFunc(result, func(a, b StatisticExt) int {
		return cmp.Compare(a.Oid, b.Oid)
	})
	return result, nil
}

// CreateStatisticExt adds the statistics object stat, whose oid must already be assigned. The relation it covers
// must have a pg_class row, and every key must be a column of it.
func CreateStatisticExt(eng access.Engine, txn *transaction.TransactionContext, stat StatisticExt) error {
	common.Assert(stat.Oid != common.InvalidObjectID, "statistics object %q has no oid", stat.Stxname)
	if err := checkStatisticTarget(eng, txn, stat); err != nil {
		return err
	}

	rel, err := access.Open(eng, txn, catalog.PgStatisticExtOid, transaction.RowExclusiveLock)
	if err != nil {
		return err
	}
	defer rel.Close()

	keys := slices.Clone(stat.Stxkeys)
	slices.Sort(keys)
	values := []common.Value{
		common.NewOidValue(stat.Oid),
		common.NewOidValue(stat.Stxrelid),
		common.NewNameValue(stat.Stxname),
		common.NewOidValue(stat.Stxnamespace),
		common.NewOidValue(stat.Stxowner),
		common.NewInt2VectorValue(keys),
		common.Value{},
		common.Value{},
		common.Value{},
	}
	nulls := make([]bool, catalog.NattsPgStatisticExt)
	setOptional(values, nulls, stat)

	tup := rel.Assemble(values, nulls)
	defer tup.Release()
	if _, err := rel.InsertWithIndexMaintenance(tup); err != nil {
		return errors.Wrapf(err, "creating statistics object %q", stat.Stxname)
	}
	return nil
}

// UpdateStatisticExt rewrites the target, kinds and expressions of the statistics object stat.Oid.
func UpdateStatisticExt(eng access.Engine, txn *transaction.TransactionContext, stat StatisticExt) error {
	rel, err := access.Open(eng, txn, catalog.PgStatisticExtOid, transaction.RowExclusiveLock)
	if err != nil {
		return err
	}
	defer rel.Close()

	old := access.SearchSysCache(eng, rel, syscache.StatExtOid, common.NewOidValue(stat.Oid))
	if old.IsNull() {
		return common.NewError(common.NoSuchObjectError, "statistics object %d does not exist", stat.Oid)
	}
	defer old.Release()

	ctx := access.NewModifyContext(catalog.NattsPgStatisticExt)
	values := make([]common.Value, catalog.NattsPgStatisticExt)
	nulls := make([]bool, catalog.NattsPgStatisticExt)
	setOptional(values, nulls, stat)
	for _, attnum := range []common.AttrNumber{
		catalog.AnumPgStatisticExtStxstattarget,
		catalog.AnumPgStatisticExtStxkind,
		catalog.AnumPgStatisticExtStxexprs,
	} {
		ctx.Replace(attnum, values[attnum-1])
	}
	tup := old.Modify(ctx)
	defer tup.Release()

	if _, err := rel.UpdateWithIndexMaintenance(tup); err != nil {
		return errors.Wrapf(err, "updating statistics object %d", stat.Oid)
	}
	return nil
}

// setOptional fills the nullable attributes of a pg_statistic_ext row from stat.
func setOptional(values []common.Value, nulls []bool, stat StatisticExt) {
	set := func(attnum common.AttrNumber, v common.Value, null bool) {
		values[attnum-1] = v
		nulls[attnum-1] = null
	}
	if stat.Stxstattarget != nil {
		set(catalog.AnumPgStatisticExtStxstattarget, common.NewInt16Value(*stat.Stxstattarget), false)
	} else {
		set(catalog.AnumPgStatisticExtStxstattarget, common.NewNullValue(common.Int16Type), true)
	}
	if stat.Stxkind != nil {
		set(catalog.AnumPgStatisticExtStxkind, common.NewTextValue(*stat.Stxkind), false)
	} else {
		set(catalog.AnumPgStatisticExtStxkind, common.NewNullValue(common.TextType), true)
	}
	if stat.Stxexprs != nil {
		set(catalog.AnumPgStatisticExtStxexprs, common.NewTextValue(*stat.Stxexprs), false)
	} else {
		set(catalog.AnumPgStatisticExtStxexprs, common.NewNullValue(common.TextType), true)
	}
}

func checkStatisticTarget(eng access.Engine, txn *transaction.TransactionContext, stat StatisticExt) error {
	class, ok, err := ReadClassStat(eng, txn, stat.Stxrelid)
	if err != nil {
		return err
	}
	if !ok {
		return common.NewError(common.NoSuchObjectError, "relation %d does not exist", stat.Stxrelid)
	}

	target, err := access.Open(eng, txn, stat.Stxrelid, transaction.AccessShareLock)
	if err != nil {
		return err
	}
	defer target.Close()
	if target.Kind() != catalog.RelKindTable {
		return common.NewError(common.WrongObjectTypeError, "%q is not a table", class.Relname)
	}
	n := target.Desc().NumAttrs()
	for _, key := range stat.Stxkeys {
		if key < 1 || int(key) > n {
			return common.NewError(common.NoSuchObjectError, "column %d of relation %q does not exist", key, class.Relname)
		}
	}
	return nil
}
