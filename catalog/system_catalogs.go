package catalog

import (
	"mit.edu/dsg/hypostats/common"
)

// Fixed oids of the system catalogs and their indexes. User objects are numbered from FirstNormalObjectID.
const (
	PgClassOid             common.ObjectID = 1259
	ClassOidIndexOid       common.ObjectID = 2662
	ClassNameNspIndexOid   common.ObjectID = 2663
	PgStatisticExtOid      common.ObjectID = 3381
	StatisticExtOidIndex   common.ObjectID = 3380
	StatisticExtRelidIndex common.ObjectID = 3379
	StatisticExtNameIndex  common.ObjectID = 3997

	FirstNormalObjectID common.ObjectID = 16384

	// PgCatalogNamespaceOid is the namespace of the system catalogs.
	PgCatalogNamespaceOid common.ObjectID = 11
	// PublicNamespaceOid is the namespace user relations are created in.
	PublicNamespaceOid common.ObjectID = 2200
	// BootstrapSuperuserOid owns objects created without an explicit owner.
	BootstrapSuperuserOid common.ObjectID = 10
)

const (
	PgClassName        = "pg_class"
	PgStatisticExtName = "pg_statistic_ext"
)

// Attribute numbers of pg_class.
const (
	AnumPgClassOid common.AttrNumber = iota + 1
	AnumPgClassRelname
	AnumPgClassRelnamespace
	AnumPgClassRelpages
	AnumPgClassReltuples
	AnumPgClassRelallvisible
	AnumPgClassReloptions
	NattsPgClass = int(AnumPgClassReloptions)
)

// Attribute numbers of pg_statistic_ext.
const (
	AnumPgStatisticExtOid common.AttrNumber = iota + 1
	AnumPgStatisticExtStxrelid
	AnumPgStatisticExtStxname
	AnumPgStatisticExtStxnamespace
	AnumPgStatisticExtStxowner
	AnumPgStatisticExtStxkeys
	AnumPgStatisticExtStxstattarget
	AnumPgStatisticExtStxkind
	AnumPgStatisticExtStxexprs
	NattsPgStatisticExt = int(AnumPgStatisticExtStxexprs)
)

func systemCatalogs() []*Table {
	pgClass := &Table{
		Oid:    PgClassOid,
		Name:   PgClassName,
		Kind:   RelKindTable,
		System: true,
		Columns: []Column{
			{Name: "oid", Type: common.OidType, NotNull: true},
			{Name: "relname", Type: common.NameType, NotNull: true},
			{Name: "relnamespace", Type: common.OidType, NotNull: true},
			{Name: "relpages", Type: common.Int32Type, NotNull: true},
			{Name: "reltuples", Type: common.Float32Type, NotNull: true},
			{Name: "relallvisible", Type: common.Int32Type, NotNull: true},
			{Name: "reloptions", Type: common.TextType},
		},
		Indexes: []Index{
			{Oid: ClassOidIndexOid, TableOid: PgClassOid, Name: "pg_class_oid_index", Type: "btree",
				KeySchema: []string{"oid"}, Unique: true},
			{Oid: ClassNameNspIndexOid, TableOid: PgClassOid, Name: "pg_class_relname_nsp_index", Type: "btree",
				KeySchema: []string{"relname", "relnamespace"}, Unique: true},
		},
	}
	pgStatisticExt := &Table{
		Oid:    PgStatisticExtOid,
		Name:   PgStatisticExtName,
		Kind:   RelKindTable,
		System: true,
		Columns: []Column{
			{Name: "oid", Type: common.OidType, NotNull: true},
			{Name: "stxrelid", Type: common.OidType, NotNull: true},
			{Name: "stxname", Type: common.NameType, NotNull: true},
			{Name: "stxnamespace", Type: common.OidType, NotNull: true},
			{Name: "stxowner", Type: common.OidType, NotNull: true},
			{Name: "stxkeys", Type: common.Int2VectorType, NotNull: true},
			{Name: "stxstattarget", Type: common.Int16Type},
			{Name: "stxkind", Type: common.TextType},
			{Name: "stxexprs", Type: common.TextType},
		},
		Indexes: []Index{
			{Oid: StatisticExtOidIndex, TableOid: PgStatisticExtOid, Name: "pg_statistic_ext_oid_index", Type: "btree",
				KeySchema: []string{"oid"}, Unique: true},
			{Oid: StatisticExtRelidIndex, TableOid: PgStatisticExtOid, Name: "pg_statistic_ext_relid_index", Type: "hash",
				KeySchema: []string{"stxrelid"}},
			{Oid: StatisticExtNameIndex, TableOid: PgStatisticExtOid, Name: "pg_statistic_ext_name_index", Type: "btree",
				KeySchema: []string{"stxname", "stxnamespace"}, Unique: true},
		},
	}
	return []*Table{pgClass, pgStatisticExt}
}
