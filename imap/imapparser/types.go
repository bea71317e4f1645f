// Package imapparser implements the wire codec of an IMAP4rev1 client:
// a Scanner tokenizing the protocol's atom/string/literal/list grammar,
// a Command type and Serializer turning outgoing commands into bytes
// (with the synchronizing and LITERAL+ literal handshakes), and a
// Parser turning server responses into typed Go values.
//
// It implements the grammar from RFC 3501, plus the extensions named
// in the glossary of the package doc: STARTTLS, LITERAL+, SASL
// AUTHENTICATE, NAMESPACE, ID, UIDPLUS, ESEARCH, SORT, THREAD=REFS,
// THREAD=ORDEREDSUBJECT, CONDSTORE, QRESYNC, MOVE, ENABLE, UNSELECT,
// and COMPRESS=DEFLATE. See RFC 4466 for the grammar many of these
// extensions share.
package imapparser

import (
	"time"

	"crawshaw.io/iox"
)

type Command struct {
	Tag  []byte
	Name string

	// UID means the command response will report UIDs instead of SeqNums.
	// Name is one of: COPY, FETCH, SEARCH, STORE.
	UID bool

	// Name is one of:
	//	SELECT, EXAMINE, SUBSCRIBE, UNSUBSCRIBE, DELETE,
	//	STATUS, APPEND, COPY
	Mailbox []byte

	// Name is one of: SELECT, EXAMINE
	Condstore bool
	Qresync   QresyncParam

	// Name is one of: FETCH, STORE, COPY
	Sequences []SeqRange

	// Name is one of: APPEND, STORE
	Literal *iox.BufferFile

	Rename struct { // Name: RENAME
		OldMailbox []byte
		NewMailbox []byte
	}

	Params [][]byte // Name: ENABLE, ID

	Auth struct { // Name: LOGIN
		Username []byte
		Password []byte
	}

	// Name: AUTHENTICATE. The session drives the continuation exchange;
	// Mechanism and InitialResponse only seed the first line.
	Authenticate struct {
		Mechanism       string
		InitialResponse []byte // nil means "no initial response sent"
	}

	List List // Name is one of: LIST, LSUB

	Status struct { // Name: STATUS
		Items []StatusItem
	}

	Append struct { // Name: APPEND
		Flags [][]byte
		Date  []byte
	}

	FetchItems   []FetchItem // Name: FETCH
	ChangedSince int64       // Name: FETCH
	Vanished     bool        // Name: FETCH

	Store Store // Name: STORE

	Search Search // Name: SEARCH

	Sort Sort // Name: SORT

	Thread Thread // Name: THREAD

	// Name: COPY, MOVE. Destination mailbox; Mailbox holds the source
	// only for commands (SELECT, STATUS, ...) that don't also need COPY
	// or MOVE's destination.
	Destination []byte
}

type List struct {
	ReferenceName []byte
	MailboxGlob   []byte

	// RFC 5258 LIST-EXTENDED fields
	SelectOptions []string // SUBSCRIBED, REMOTE, RECURSIVEMATCH, SPECIAL-USE
	ReturnOptions []string // SUBSCRIBED, CHILDREN, SPECIAL-USE
}

type QresyncParam struct {
	UIDValidity      uint32
	ModSeq           int64
	UIDs             []SeqRange
	KnownSeqNumMatch []SeqRange
	KnownUIDMatch    []SeqRange
}

type Store struct {
	Mode           StoreMode
	Silent         bool
	Flags          [][]byte
	UnchangedSince int64
}

type Sort struct {
	Criteria []SortCriterion
	Charset  string
	Op       *SearchOp
}

type SortCriterion struct {
	Key     SortKey
	Reverse bool
}

type SortKey string

const (
	SortArrival SortKey = "ARRIVAL"
	SortCc      SortKey = "CC"
	SortDate    SortKey = "DATE"
	SortFrom    SortKey = "FROM"
	SortSize    SortKey = "SIZE"
	SortSubject SortKey = "SUBJECT"
	SortTo      SortKey = "TO"
)

type Thread struct {
	Algorithm ThreadAlgorithm
	Charset   string
	Op        *SearchOp
}

type ThreadAlgorithm string

const (
	ThreadOrderedSubject ThreadAlgorithm = "ORDEREDSUBJECT"
	ThreadReferences     ThreadAlgorithm = "REFERENCES"
)

type StoreMode int

const (
	StoreUnknown StoreMode = iota
	StoreAdd               // +FLAGS
	StoreRemove            // -FLAGS
	StoreReplace           //  FLAGS
)

type StatusItem int

const (
	StatusUnknownItem StatusItem = iota
	StatusMessages
	StatusRecent
	StatusUIDNext
	StatusUIDValidity
	StatusUnseen
	StatusHighestModSeq
)

// SeqRange is a normalized IMAP seq-range.
// Normalized means that Min is always less than or equal to Max.
//
// The value 0 is a placeholder for '*'.
// When Min == Max, a SeqRange refers to a single value.
type SeqRange struct {
	Min uint32
	Max uint32
}

type FetchItem struct {
	Type    FetchItemType
	Peek    bool             // BODY.PEEK
	Section FetchItemSection // Type is FetchBody
	Partial struct {
		Start  uint32
		Length uint32
	}
}

type FetchItemSection struct {
	Path    []uint16
	Name    string // One of: HEADER, HEADER.FIELDS[.NOT], TEXT, MIME
	Headers [][]byte
}

type FetchItemType string

const (
	FetchUnknown = FetchItemType("FetchUnknown")

	FetchAll  = FetchItemType("ALL") // macro items, only fetch item in list
	FetchFull = FetchItemType("FULL")
	FetchFast = FetchItemType("FAST")

	FetchEnvelope      = FetchItemType("ENVELOPE")
	FetchFlags         = FetchItemType("FLAGS")
	FetchInternalDate  = FetchItemType("INTERNALDATE")
	FetchRFC822Header  = FetchItemType("RFC822.HEADER")
	FetchRFC822Size    = FetchItemType("RFC822.SIZE")
	FetchRFC822Text    = FetchItemType("RFC822.TEXT")
	FetchUID           = FetchItemType("UID")
	FetchBodyStructure = FetchItemType("BODYSTRUCTURE")
	FetchBody          = FetchItemType("BODY")
	FetchModSeq        = FetchItemType("MODSEQ")
)

type Search struct {
	Op      *SearchOp
	Charset string
	Return  []string // MIN, MAX, ALL, COUNT
}

type SearchOp struct {
	// Key is an IMAP search key.
	//
	// Two extra keys are defined that are not found in RFC 3501:
	//
	//	- AND: every element of Children must match
	//	  It is prettier than the grammar '('.
	//	  This allows the entire search command to be a SearchOp.
	//
	//	- SEQSET: the search op is a match against sequence IDs
	//	  This is a name for the implicit <sequence-set> grammar.
	//
	Key SearchKey

	// Children is set when Key is one of: AND, OR, NOT
	// For NOT, len(Children) == 1.
	Children []SearchOp

	// Value is set when Key is one of:
	//	BCC, CC, FROM,
	//      HEADER ("<field-name>: <string>"),
	//	KEYWORD, SUBJECT, TEXT, TO
	Value string

	Num       int64      // Key is one of: LARGER (uint32), SMALLER (uint32), MODSEQ
	Sequences []SeqRange // Key is one of: SEQSET, UID, UNDRAFT

	Date time.Time // Key is one of: BEFORE, ON, SENTBEFORE, SENTON, SENTSINCE, SINCE
}

type SearchKey string

// Search keys, RFC 3501 section 6.4.4 plus the RFC 7162 MODSEQ key and
// the two keys this package adds for its own tree shape (AND, SEQSET;
// see the SearchOp doc comment above).
const (
	SearchAll         SearchKey = "ALL"
	SearchAnswered    SearchKey = "ANSWERED"
	SearchAnd         SearchKey = "AND"
	SearchBcc         SearchKey = "BCC"
	SearchBefore      SearchKey = "BEFORE"
	SearchBody        SearchKey = "BODY"
	SearchCc          SearchKey = "CC"
	SearchDeleted     SearchKey = "DELETED"
	SearchDraft       SearchKey = "DRAFT"
	SearchFlagged     SearchKey = "FLAGGED"
	SearchFrom        SearchKey = "FROM"
	SearchHeader      SearchKey = "HEADER"
	SearchKeyword     SearchKey = "KEYWORD"
	SearchLarger      SearchKey = "LARGER"
	SearchModSeq      SearchKey = "MODSEQ"
	SearchNew         SearchKey = "NEW"
	SearchNot         SearchKey = "NOT"
	SearchOld         SearchKey = "OLD"
	SearchOn          SearchKey = "ON"
	SearchOr          SearchKey = "OR"
	SearchRecent      SearchKey = "RECENT"
	SearchSeen        SearchKey = "SEEN"
	SearchSentBefore  SearchKey = "SENTBEFORE"
	SearchSentOn      SearchKey = "SENTON"
	SearchSentSince   SearchKey = "SENTSINCE"
	SearchSeqSet      SearchKey = "SEQSET"
	SearchSince       SearchKey = "SINCE"
	SearchSmaller     SearchKey = "SMALLER"
	SearchSubject     SearchKey = "SUBJECT"
	SearchText        SearchKey = "TEXT"
	SearchTo          SearchKey = "TO"
	SearchUID         SearchKey = "UID"
	SearchUnanswered  SearchKey = "UNANSWERED"
	SearchUndeleted   SearchKey = "UNDELETED"
	SearchUndraft     SearchKey = "UNDRAFT"
	SearchUnflagged   SearchKey = "UNFLAGGED"
	SearchUnkeyword   SearchKey = "UNKEYWORD"
	SearchUnseen      SearchKey = "UNSEEN"
)
