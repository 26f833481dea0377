package localdb

import (
	"github.com/BurntSushi/migration"
)

// List of migrations to perform. Add new ones to the end.
// DO NOT change the order of items already in this list.
var sqliteMigrations = []migration.Migrator{
	schema1,
	schema2,
}

var sqliteVersioning = dbVersion{
	GetSQL:    `SELECT max(version) FROM migration_version`,
	SetSQL:    `INSERT INTO migration_version (version, applied) VALUES (?, strftime('%s','now'))`,
	CreateSQL: `CREATE TABLE migration_version (version INTEGER, applied INTEGER)`,
}

func schema1(tx migration.LimitedTx) error {
	var s = []string{
		`CREATE TABLE Operation (
			ID INTEGER PRIMARY KEY,
			Description TEXT NOT NULL,
			Timestamp INTEGER NOT NULL)`,

		`CREATE TABLE RemoteVolume (
			ID INTEGER PRIMARY KEY,
			OperationID INTEGER NOT NULL,
			Name TEXT NOT NULL UNIQUE,
			Type TEXT NOT NULL,
			Size INTEGER NOT NULL DEFAULT -1,
			Hash TEXT NOT NULL DEFAULT '',
			State TEXT NOT NULL,
			VerificationCount INTEGER NOT NULL DEFAULT 0,
			DeleteGraceTime INTEGER NOT NULL DEFAULT 0)`,

		`CREATE TABLE IndexBlockLink (
			IndexVolumeID INTEGER NOT NULL,
			BlockVolumeID INTEGER NOT NULL,
			UNIQUE (IndexVolumeID, BlockVolumeID))`,

		`CREATE TABLE Block (
			ID INTEGER PRIMARY KEY,
			Hash TEXT NOT NULL,
			Size INTEGER NOT NULL,
			VolumeID INTEGER NOT NULL,
			UNIQUE (Hash, Size))`,
		`CREATE INDEX BlockVolume ON Block (VolumeID)`,

		`CREATE TABLE DuplicateBlock (
			BlockID INTEGER NOT NULL,
			VolumeID INTEGER NOT NULL,
			UNIQUE (BlockID, VolumeID))`,

		`CREATE TABLE Blockset (
			ID INTEGER PRIMARY KEY,
			Length INTEGER NOT NULL,
			FullHash TEXT NOT NULL,
			UNIQUE (Length, FullHash))`,

		`CREATE TABLE BlocksetEntry (
			BlocksetID INTEGER NOT NULL,
			"Index" INTEGER NOT NULL,
			BlockID INTEGER NOT NULL,
			PRIMARY KEY (BlocksetID, "Index"))`,
		`CREATE INDEX BlocksetEntryBlock ON BlocksetEntry (BlockID)`,

		`CREATE TABLE Blocklist (
			BlocksetID INTEGER NOT NULL,
			"Index" INTEGER NOT NULL,
			Hash TEXT NOT NULL,
			PRIMARY KEY (BlocksetID, "Index"))`,
		`CREATE INDEX BlocklistHash ON Blocklist (Hash)`,

		`CREATE TABLE Metadataset (
			ID INTEGER PRIMARY KEY,
			BlocksetID INTEGER NOT NULL UNIQUE)`,

		`CREATE TABLE PathPrefix (
			ID INTEGER PRIMARY KEY,
			Prefix TEXT NOT NULL UNIQUE)`,

		`CREATE TABLE FileLookup (
			ID INTEGER PRIMARY KEY,
			PrefixID INTEGER NOT NULL,
			Path TEXT NOT NULL,
			BlocksetID INTEGER NOT NULL,
			MetadataID INTEGER NOT NULL,
			UNIQUE (PrefixID, Path, BlocksetID, MetadataID))`,

		`CREATE TABLE Fileset (
			ID INTEGER PRIMARY KEY,
			OperationID INTEGER NOT NULL,
			VolumeID INTEGER NOT NULL,
			IsFullBackup INTEGER NOT NULL,
			Timestamp INTEGER NOT NULL UNIQUE)`,

		`CREATE TABLE FilesetEntry (
			FilesetID INTEGER NOT NULL,
			FileID INTEGER NOT NULL,
			Lastmodified INTEGER NOT NULL,
			PRIMARY KEY (FilesetID, FileID))`,
		`CREATE INDEX FilesetEntryFile ON FilesetEntry (FileID)`,

		`CREATE TABLE LogData (
			ID INTEGER PRIMARY KEY,
			OperationID INTEGER NOT NULL,
			Timestamp INTEGER NOT NULL,
			Type TEXT NOT NULL,
			Message TEXT NOT NULL,
			Exception TEXT NOT NULL DEFAULT '')`,

		`CREATE TABLE Configuration (
			Key TEXT PRIMARY KEY,
			Value TEXT NOT NULL)`,
	}
	return execlist(tx, s)
}

// schema2 adds volume locks and the views describing which blocks are
// still referenced by some fileset.
func schema2(tx migration.LimitedTx) error {
	var s = []string{
		`CREATE TABLE VolumeLock (
			VolumeName TEXT PRIMARY KEY,
			Expiration INTEGER NOT NULL)`,

		`CREATE VIEW LiveBlockset AS
			SELECT f.BlocksetID AS ID
			FROM FileLookup f JOIN FilesetEntry e ON e.FileID = f.ID
			WHERE f.BlocksetID >= 0
			UNION
			SELECT m.BlocksetID
			FROM FileLookup f
				JOIN FilesetEntry e ON e.FileID = f.ID
				JOIN Metadataset m ON m.ID = f.MetadataID`,

		`CREATE VIEW LiveBlock AS
			SELECT be.BlockID AS ID
			FROM BlocksetEntry be
			WHERE be.BlocksetID IN (SELECT ID FROM LiveBlockset)
			UNION
			SELECT b.ID
			FROM Block b JOIN Blocklist bl ON bl.Hash = b.Hash
			WHERE bl.BlocksetID IN (SELECT ID FROM LiveBlockset)`,
	}
	return execlist(tx, s)
}

func execlist(tx migration.LimitedTx, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
