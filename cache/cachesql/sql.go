package cachesql

// createSQL follows the usual embedded-schema pattern: one
// embedded schema script run through sqlitex.ExecScript, tables keyed
// by (MailboxName, UidValidity[, Uid[, PartPath]]) per the cache
// boundary's external interface. Composite values (uid lists,
// ENVELOPE, BODYSTRUCTURE, flag sets) are stored as JSON blobs rather
// than a bespoke binary encoding - cheap to get right, and easy to
// inspect with the sqlite3 shell when debugging a cache.
const createSQL = `
PRAGMA auto_vacuum = INCREMENTAL;

CREATE TABLE IF NOT EXISTS MailboxChildren (
	Parent      TEXT NOT NULL,
	Name        TEXT NOT NULL,
	Separator   INTEGER NOT NULL,
	Subscribed  BOOLEAN NOT NULL,
	HasChildren BOOLEAN NOT NULL,
	NoSelect    BOOLEAN NOT NULL,
	Ord         INTEGER NOT NULL, -- preserves LIST response order

	PRIMARY KEY (Parent, Name)
);

CREATE TABLE IF NOT EXISTS MailboxChildrenFresh (
	Parent TEXT PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS UidMapping (
	MailboxName TEXT PRIMARY KEY,
	UidValidity INTEGER NOT NULL,
	Uids        BLOB NOT NULL -- JSON array of uint32, in mailbox order
);

CREATE TABLE IF NOT EXISTS Messages (
	MailboxName  TEXT NOT NULL,
	UidValidity  INTEGER NOT NULL,
	Uid          INTEGER NOT NULL,
	Envelope     BLOB,    -- JSON imapparser.Envelope, NULL if unknown
	BodyStruct   BLOB,    -- JSON imapparser.BodyStructurePart, NULL if unknown
	Flags        BLOB,    -- JSON []string, NULL if unknown
	Size         INTEGER, -- RFC822.SIZE, NULL if unknown
	InternalDate INTEGER, -- time.Time.Unix(), NULL if unknown

	PRIMARY KEY (MailboxName, UidValidity, Uid)
);

CREATE TABLE IF NOT EXISTS MessageParts (
	MailboxName TEXT NOT NULL,
	UidValidity INTEGER NOT NULL,
	Uid         INTEGER NOT NULL,
	PartPath    TEXT NOT NULL,
	Data        BLOB NOT NULL,

	PRIMARY KEY (MailboxName, UidValidity, Uid, PartPath)
);
`
