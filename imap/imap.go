// Package imap defines the core wire-level vocabulary shared by the
// protocol engine, the task scheduler and the mailbox tree: mailbox
// attribute flags, the capability set, and the connection state
// machine of RFC 3501 section 3.
package imap

import "sort"

// ConnState is the state of a Parser session's connection, per RFC 3501
// section 3.
type ConnState int

const (
	ConnStateInitial ConnState = iota
	ConnStateNotAuth
	ConnStateAuth
	ConnStateSelected
	ConnStateLogout
)

func (s ConnState) String() string {
	switch s {
	case ConnStateInitial:
		return "initial"
	case ConnStateNotAuth:
		return "not-authenticated"
	case ConnStateAuth:
		return "authenticated"
	case ConnStateSelected:
		return "selected"
	case ConnStateLogout:
		return "logout"
	default:
		return "unknown-conn-state"
	}
}

// KillReason explains why a Parser session's transport was torn down.
type KillReason int

const (
	KillExpected  KillReason = iota // clean LOGOUT, or the engine chose to disconnect
	KillViolation                   // the server sent something the parser could not make sense of
	KillLostConn                    // a transport read or write failed
)

func (r KillReason) String() string {
	switch r {
	case KillExpected:
		return "expected"
	case KillViolation:
		return "violation"
	case KillLostConn:
		return "lost-connection"
	default:
		return "unknown-kill-reason"
	}
}

// ListAttrFlag is the set of mailbox attributes reported by LIST/LSUB,
// including the SPECIAL-USE attributes of RFC 6154.
type ListAttrFlag int

const (
	AttrNone        ListAttrFlag = 0
	AttrNoinferiors ListAttrFlag = 1 << iota
	AttrNoselect
	AttrMarked
	AttrUnmarked
	AttrHasChildren
	AttrHasNoChildren

	// SPECIAL-USE mailbox attributes, RFC 6154
	AttrAll
	AttrArchive
	AttrDrafts
	AttrFlagged
	AttrJunk
	AttrSent
	AttrTrash
)

func (attrs ListAttrFlag) String() (res string) {
	for _, attr := range attrList {
		if attrs&attr != 0 {
			s := attrStrings[attr]
			if res == "" {
				res = s
			} else {
				res = res + " " + s
			}
		}
	}
	return res
}

// HasChildren reports the tri-state \HasChildren / \HasNoChildren hint
// carried by a LIST response. known is false when the server reported
// neither bit.
func (attrs ListAttrFlag) HasChildren() (yes, known bool) {
	switch {
	case attrs&AttrHasChildren != 0:
		return true, true
	case attrs&AttrHasNoChildren != 0:
		return false, true
	default:
		return false, false
	}
}

var attrStrings = map[ListAttrFlag]string{
	AttrNoinferiors:   `\Noinferiors`,
	AttrNoselect:      `\Noselect`,
	AttrMarked:        `\Marked`,
	AttrUnmarked:      `\Unmarked`,
	AttrHasChildren:   `\HasChildren`,
	AttrHasNoChildren: `\HasNoChildren`,
	AttrAll:           `\All`,
	AttrArchive:       `\Archive`,
	AttrDrafts:        `\Drafts`,
	AttrFlagged:       `\Flagged`,
	AttrJunk:          `\Junk`,
	AttrSent:          `\Sent`,
	AttrTrash:         `\Trash`,
}

var attrList = func() (attrList []ListAttrFlag) {
	for attr := range attrStrings {
		attrList = append(attrList, attr)
	}
	sort.Slice(attrList, func(i, j int) bool { return attrList[i] < attrList[j] })
	return attrList
}()

// ParseListAttr maps a single "\Xxx" LIST attribute atom to its flag.
// Unknown attributes return AttrNone, since RFC 3501 allows servers to
// report attributes a client doesn't recognize.
func ParseListAttr(s string) ListAttrFlag {
	for flag, str := range attrStrings {
		if str == s {
			return flag
		}
	}
	return AttrNone
}

// Capability is a single capability atom, e.g. "IDLE" or "AUTH=PLAIN".
type Capability string

// Capabilities the task graph gates behavior on. Presence is always
// checked against a session's live set, never assumed from a version
// number.
const (
	CapStartTLS        Capability = "STARTTLS"
	CapLoginDisabled   Capability = "LOGINDISABLED"
	CapIdle            Capability = "IDLE"
	CapLiteralPlus     Capability = "LITERAL+"
	CapNamespace       Capability = "NAMESPACE"
	CapID              Capability = "ID"
	CapUIDPlus         Capability = "UIDPLUS"
	CapESearch         Capability = "ESEARCH"
	CapSort            Capability = "SORT"
	CapThreadRefs      Capability = "THREAD=REFERENCES"
	CapThreadOrdSubj   Capability = "THREAD=ORDEREDSUBJECT"
	CapCondStore       Capability = "CONDSTORE"
	CapQResync         Capability = "QRESYNC"
	CapMove            Capability = "MOVE"
	CapEnable          Capability = "ENABLE"
	CapUnselect        Capability = "UNSELECT"
	CapCompressDeflate Capability = "COMPRESS=DEFLATE"
)

// AuthMechPrefix precedes every "AUTH=MECH" capability atom.
const AuthMechPrefix = "AUTH="

// Capabilities is the capability set advertised by a server, refreshed
// whenever an unsolicited CAPABILITY response, a "[CAPABILITY ...]"
// response code, or a CAPABILITY command completes.
type Capabilities map[Capability]bool

// ParseCapabilities splits the atoms following "* CAPABILITY" (or a
// "[CAPABILITY ...]" response code) into a set.
func ParseCapabilities(atoms []string) Capabilities {
	caps := make(Capabilities, len(atoms))
	for _, a := range atoms {
		caps[Capability(a)] = true
	}
	return caps
}

func (c Capabilities) Has(cap Capability) bool { return c[cap] }

// AuthMechanisms returns the SASL mechanism names advertised via AUTH=*,
// sorted for deterministic selection.
func (c Capabilities) AuthMechanisms() []string {
	var mechs []string
	for cap := range c {
		s := string(cap)
		if len(s) > len(AuthMechPrefix) && s[:len(AuthMechPrefix)] == AuthMechPrefix {
			mechs = append(mechs, s[len(AuthMechPrefix):])
		}
	}
	sort.Strings(mechs)
	return mechs
}
