package imapparser

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"crawshaw.io/iox"

	"mailcore.dev/core/imap/imapparser/utf7mod"
)

// Parser turns the byte stream from an IMAP server into typed Go
// values: a Response per server line, and the nested Envelope/
// BodyStructurePart values a FETCH response carries.
//
// A Parser is not safe for concurrent use; a Parser session owns
// exactly one, fed by exactly one goroutine reading the connection.
type Parser struct {
	Scanner *Scanner
	Filer   *iox.Filer // allocates BufferFiles backing FETCH BODY literals

	Response Response
}

func (p *Parser) error(errctx string) error {
	if p.Scanner.Error != nil {
		return p.Scanner.Error
	}
	return parseErrorf(errctx)
}

// Response is one line of server output: a status response, an
// untagged data response, a tagged command completion, or a "+"
// continuation request.
type Response struct {
	Tag string // "*" untagged, "+" continuation request, else the command's tag
	Type string // the response verb: "OK", "EXISTS", "FETCH", "LIST", ...

	// SeqNum holds the leading number of "* <n> EXISTS/RECENT/EXPUNGE/FETCH".
	SeqNum uint32

	Cond         *Condition // Type is one of: OK, NO, BAD, PREAUTH, BYE
	Capabilities []string   // Type == CAPABILITY
	Flags        [][]byte   // Type == FLAGS
	Fetch        []FetchAttr // Type == FETCH
	List         *ListResponse // Type is one of: LIST, LSUB
	MailboxStatus *MailboxStatus // Type == STATUS
	Search       *SearchResponse // Type is one of: SEARCH, ESEARCH
	Sort         []uint32 // Type == SORT
	Thread       []ThreadNode // Type == THREAD
	Namespace    *NamespaceResponse // Type == NAMESPACE
	ID           map[string]string // Type == ID
	Enabled      []string // Type == ENABLED
	Vanished     *Vanished // Type == VANISHED

	Continuation string // Tag == "+": the text following "+ "
}

// Condition is an OK/NO/BAD/PREAUTH/BYE status response, RFC 3501
// section 7.1.
type Condition struct {
	Text string
	Code *ResponseCode
}

// ResponseCode is a bracketed response code, e.g. "[UIDVALIDITY 42]".
type ResponseCode struct {
	Name string
	Args []string
}

// Arg returns the i'th argument, or "" if there are fewer than i+1.
func (c *ResponseCode) Arg(i int) string {
	if c == nil || i >= len(c.Args) {
		return ""
	}
	return c.Args[i]
}

// Uint32Arg parses the i'th argument as a uint32, per the common shape
// of codes like UIDVALIDITY, UIDNEXT and HIGHESTMODSEQ.
func (c *ResponseCode) Uint32Arg(i int) (uint32, error) {
	v, err := strconv.ParseUint(c.Arg(i), 10, 32)
	return uint32(v), err
}

type ListResponse struct {
	Attrs         ListAttrsValue
	Delim         byte // 0 means NIL (no hierarchy)
	Mailbox       []byte
	ExtendedItems map[string][]string // RFC 5258 LIST-EXTENDED tagged child-info
}

// ListAttrsValue mirrors imap.ListAttrFlag without importing the root
// package, keeping imapparser dependency-free of the engine's shared
// vocabulary; callers convert with imap.ParseListAttr per flag.
type ListAttrsValue []string

type MailboxStatus struct {
	Mailbox []byte
	Items   map[StatusItem]int64
}

type SearchResponse struct {
	// Numbers holds plain SEARCH results; when UID was set on the
	// command these are UIDs, otherwise sequence numbers.
	Numbers []uint32

	// ESEARCH (RFC 4731) fields; Extended is true when the response
	// used the "* ESEARCH" form instead of plain "* SEARCH".
	Extended bool
	Tag      string
	Min, Max uint32
	Count    int64
	All      []SeqRange
	ModSeq   int64
}

type NamespaceResponse struct {
	Personal, Other, Shared []NamespaceDescriptor
}

type NamespaceDescriptor struct {
	Prefix string
	Delim  byte // 0 means NIL
}

type Vanished struct {
	Earlier bool
	UIDs    []SeqRange
}

// ThreadNode is one node of a RFC 5256 THREAD response. A linear run
// of messages (no branching) is represented as a chain of single-child
// nodes; a branch point has more than one entry in Children.
type ThreadNode struct {
	UID      uint32 // 0 for a node that exists only to hold Children (a branch fan-out)
	Children []ThreadNode
}

// FetchAttr is one data item inside a "* <n> FETCH (...)" response.
type FetchAttr struct {
	Type FetchItemType

	Flags        [][]byte          // FetchFlags
	InternalDate time.Time         // FetchInternalDate
	RFC822Size   uint32            // FetchRFC822Size
	Envelope     *Envelope         // FetchEnvelope
	UID          uint32            // FetchUID
	ModSeq       int64             // FetchModSeq
	Body         *BodyStructurePart // FetchBodyStructure, or FetchBody with an empty Section

	// FetchBody with a non-empty Section, or RFC822/RFC822.HEADER/
	// RFC822.TEXT (normalized to the equivalent BODY[] form).
	Section      FetchItemSection
	PartialStart uint32
	Literal      *iox.BufferFile
}

// ParseResponse parses a single server response line into p.Response.
// Any []byte or *iox.BufferFile memory referenced by the previous
// Response is invalidated on the next call.
func (p *Parser) ParseResponse() error {
	r := &p.Response
	*r = Response{}

	if p.Scanner.peekContinuation() {
		r.Tag = "+"
		r.Continuation = p.readTrailingText()
		return nil
	}

	if !p.Scanner.Next(TokenTag) {
		return p.error("no response tag")
	}
	r.Tag = string(p.Scanner.Value)

	if r.Tag == "*" {
		return p.parseUntagged(r)
	}
	return p.parseStatus(r)
}

func (p *Parser) parseStatus(r *Response) error {
	if !p.Scanner.Next(TokenAtom) {
		return p.error("missing response condition")
	}
	r.Type = strings.ToUpper(string(p.Scanner.Value))
	switch r.Type {
	case "OK", "NO", "BAD", "PREAUTH", "BYE":
	default:
		return fmt.Errorf("imapparser: unknown tagged condition %q", r.Type)
	}
	cond, err := p.parseCondition()
	if err != nil {
		return err
	}
	r.Cond = cond
	return nil
}

func (p *Parser) parseCondition() (*Condition, error) {
	cond := &Condition{}
	if p.Scanner.Next(TokenListStart) {
		code := &ResponseCode{}
		if !p.Scanner.Next(TokenAtom) {
			return nil, p.error("response code missing name")
		}
		code.Name = strings.ToUpper(string(p.Scanner.Value))
		for {
			if p.Scanner.Next(TokenListEnd) {
				break
			}
			// [PERMANENTFLAGS (...)] carries a parenthesized flag list
			// as its one argument; flatten it into Args rather than
			// giving ResponseCode a second shape to represent.
			if p.Scanner.Next(TokenListStart) {
				for !p.Scanner.Next(TokenListEnd) {
					if !p.Scanner.Next(TokenFlag) && !p.Scanner.Next(TokenAtom) && !p.Scanner.Next(TokenString) {
						return nil, p.error("response code bad nested list value")
					}
					code.Args = append(code.Args, string(p.Scanner.Value))
				}
				continue
			}
			if p.Scanner.Next(TokenAtom) {
				code.Args = append(code.Args, string(p.Scanner.Value))
				continue
			}
			if p.Scanner.Next(TokenString) {
				code.Args = append(code.Args, string(p.Scanner.Value))
				continue
			}
			return nil, p.error("response code bad argument")
		}
		cond.Code = code
	}
	cond.Text = p.readTrailingText()
	return cond, nil
}

// readTrailingText consumes the remainder of the line (everything up
// to CRLF) as free-form human-readable text.
func (p *Parser) readTrailingText() string {
	p.Scanner.consumeWhitespace()
	var b []byte
	for {
		c := p.Scanner.peekChar()
		if c == 0 || c == '\r' || c == '\n' {
			break
		}
		b = append(b, c)
		p.Scanner.readChar()
	}
	p.Scanner.Next(TokenEnd)
	return string(b)
}

func (p *Parser) parseUntagged(r *Response) error {
	if p.Scanner.Next(TokenNumber) {
		r.SeqNum = uint32(p.Scanner.Number)
		if !p.Scanner.Next(TokenAtom) {
			return p.error("missing response verb following number")
		}
		r.Type = strings.ToUpper(string(p.Scanner.Value))
		switch r.Type {
		case "EXISTS", "RECENT", "EXPUNGE":
			return nil
		case "FETCH":
			attrs, err := p.parseFetchAttrs()
			if err != nil {
				return err
			}
			r.Fetch = attrs
			return nil
		default:
			return fmt.Errorf("imapparser: unexpected numbered response %q", r.Type)
		}
	}

	if !p.Scanner.Next(TokenAtom) {
		return p.error("missing response verb")
	}
	r.Type = strings.ToUpper(string(p.Scanner.Value))

	switch r.Type {
	case "OK", "NO", "BAD", "PREAUTH", "BYE":
		cond, err := p.parseCondition()
		if err != nil {
			return err
		}
		r.Cond = cond
		return nil

	case "CAPABILITY":
		for p.Scanner.NextOrEnd(TokenAtom) {
			if p.Scanner.Token == TokenEnd {
				return nil
			}
			r.Capabilities = append(r.Capabilities, string(p.Scanner.Value))
		}
		return p.Scanner.Error

	case "FLAGS":
		if !p.Scanner.Next(TokenListStart) {
			return p.error("FLAGS missing list start")
		}
		for p.Scanner.Next(TokenFlag) {
			r.Flags = appendValue(r.Flags, p.Scanner.Value)
		}
		if !p.Scanner.Next(TokenListEnd) {
			return p.error("FLAGS missing list end")
		}
		return nil

	case "LIST", "LSUB":
		return p.parseList(r)

	case "STATUS":
		return p.parseMailboxStatus(r)

	case "SEARCH":
		return p.parseSearch(r)

	case "ESEARCH":
		return p.parseESearch(r)

	case "SORT":
		for p.Scanner.NextOrEnd(TokenNumber) {
			if p.Scanner.Token == TokenEnd {
				return nil
			}
			r.Sort = append(r.Sort, uint32(p.Scanner.Number))
		}
		return p.Scanner.Error

	case "THREAD":
		nodes, err := p.parseThreadList()
		if err != nil {
			return err
		}
		r.Thread = nodes
		return nil

	case "NAMESPACE":
		return p.parseNamespace(r)

	case "ID":
		return p.parseIDResponse(r)

	case "ENABLED":
		for p.Scanner.NextOrEnd(TokenAtom) {
			if p.Scanner.Token == TokenEnd {
				return nil
			}
			r.Enabled = append(r.Enabled, string(p.Scanner.Value))
		}
		return p.Scanner.Error

	case "VANISHED":
		return p.parseVanished(r)

	default:
		return fmt.Errorf("imapparser: unknown untagged response %q", r.Type)
	}
}

func (p *Parser) parseList(r *Response) error {
	lr := &ListResponse{}
	if !p.Scanner.Next(TokenListStart) {
		return p.error("LIST missing attr list start")
	}
	for p.Scanner.Next(TokenAtom) {
		lr.Attrs = append(lr.Attrs, string(p.Scanner.Value))
	}
	if !p.Scanner.Next(TokenListEnd) {
		return p.error("LIST missing attr list end")
	}

	if ok, _ := p.tryNIL(); !ok {
		if !p.Scanner.Next(TokenString) {
			return p.error("LIST missing delimiter")
		}
		if len(p.Scanner.Value) != 1 {
			return p.error("LIST delimiter is not a single character")
		}
		lr.Delim = p.Scanner.Value[0]
	}

	if !p.Scanner.Next(TokenString) {
		return p.error("LIST missing mailbox name")
	}
	var err error
	if strings.EqualFold(string(p.Scanner.Value), "INBOX") {
		lr.Mailbox = []byte("INBOX")
	} else if lr.Mailbox, err = utf7mod.AppendDecode(nil, p.Scanner.Value); err != nil {
		return fmt.Errorf("LIST mailbox name: %v", err)
	}

	if p.Scanner.Next(TokenListStart) {
		lr.ExtendedItems = make(map[string][]string)
		for {
			if p.Scanner.Next(TokenListEnd) {
				break
			}
			if !p.Scanner.Next(TokenListStart) {
				return p.error("LIST extended item missing list start")
			}
			if !p.Scanner.Next(TokenAtom) {
				return p.error("LIST extended tag missing")
			}
			tag := string(p.Scanner.Value)
			var vals []string
			for p.Scanner.Next(TokenAtom) {
				vals = append(vals, string(p.Scanner.Value))
			}
			if !p.Scanner.Next(TokenListEnd) {
				return p.error("LIST extended item missing list end")
			}
			lr.ExtendedItems[tag] = vals
		}
	}

	r.List = lr
	return nil
}

func (p *Parser) parseMailboxStatus(r *Response) error {
	ms := &MailboxStatus{Items: make(map[StatusItem]int64)}
	var err error
	if !p.Scanner.Next(TokenString) {
		return p.error("STATUS missing mailbox name")
	}
	if strings.EqualFold(string(p.Scanner.Value), "INBOX") {
		ms.Mailbox = []byte("INBOX")
	} else if ms.Mailbox, err = utf7mod.AppendDecode(nil, p.Scanner.Value); err != nil {
		return fmt.Errorf("STATUS mailbox name: %v", err)
	}

	if !p.Scanner.Next(TokenListStart) {
		return p.error("STATUS missing list start")
	}
	for p.Scanner.Next(TokenAtom) {
		var item StatusItem
		switch string(p.Scanner.Value) {
		case "MESSAGES":
			item = StatusMessages
		case "RECENT":
			item = StatusRecent
		case "UIDNEXT":
			item = StatusUIDNext
		case "UIDVALIDITY":
			item = StatusUIDValidity
		case "UNSEEN":
			item = StatusUnseen
		case "HIGHESTMODSEQ":
			item = StatusHighestModSeq
		default:
			return fmt.Errorf("STATUS unknown item: %s", p.Scanner.Value)
		}
		if !p.Scanner.Next(TokenNumber) {
			return p.error("STATUS item missing value")
		}
		ms.Items[item] = int64(p.Scanner.Number)
	}
	if !p.Scanner.Next(TokenListEnd) {
		return p.error("STATUS missing list end")
	}
	r.MailboxStatus = ms
	return nil
}

func (p *Parser) parseSearch(r *Response) error {
	sr := &SearchResponse{}
	for p.Scanner.NextOrEnd(TokenNumber) {
		if p.Scanner.Token == TokenEnd {
			r.Search = sr
			return nil
		}
		sr.Numbers = append(sr.Numbers, uint32(p.Scanner.Number))
	}
	if p.Scanner.Error != nil {
		return p.Scanner.Error
	}
	// SEARCH with CONDSTORE: a trailing "(MODSEQ n)". A failed
	// speculative Next(TokenListStart) leaves the scanner position
	// unchanged, unlike Token, which the scanner resets on mismatch -
	// so the list is detected by trying to consume it, not by
	// inspecting Token after the numbers loop already failed to match.
	if p.Scanner.Next(TokenListStart) {
		if !p.Scanner.Next(TokenAtom) || string(p.Scanner.Value) != "MODSEQ" {
			return p.error("SEARCH unexpected trailing list")
		}
		if !p.Scanner.Next(TokenNumber) {
			return p.error("SEARCH MODSEQ missing value")
		}
		sr.ModSeq = int64(p.Scanner.Number)
		if !p.Scanner.Next(TokenListEnd) {
			return p.error("SEARCH MODSEQ missing list end")
		}
		if !p.Scanner.Next(TokenEnd) {
			return p.error("SEARCH has trailing arguments")
		}
	}
	r.Search = sr
	return nil
}

func (p *Parser) parseESearch(r *Response) error {
	sr := &SearchResponse{Extended: true}
	if p.Scanner.Next(TokenListStart) {
		if !p.Scanner.Next(TokenAtom) || string(p.Scanner.Value) != "TAG" {
			return p.error("ESEARCH correlator missing TAG")
		}
		if !p.Scanner.Next(TokenString) {
			return p.error("ESEARCH correlator missing tag value")
		}
		sr.Tag = string(p.Scanner.Value)
		if !p.Scanner.Next(TokenListEnd) {
			return p.error("ESEARCH correlator missing list end")
		}
	}
	for p.Scanner.NextOrEnd(TokenAtom) {
		if p.Scanner.Token == TokenEnd {
			r.Search = sr
			return nil
		}
		switch string(p.Scanner.Value) {
		case "MIN":
			if !p.Scanner.Next(TokenNumber) {
				return p.error("ESEARCH MIN missing value")
			}
			sr.Min = uint32(p.Scanner.Number)
		case "MAX":
			if !p.Scanner.Next(TokenNumber) {
				return p.error("ESEARCH MAX missing value")
			}
			sr.Max = uint32(p.Scanner.Number)
		case "COUNT":
			if !p.Scanner.Next(TokenNumber) {
				return p.error("ESEARCH COUNT missing value")
			}
			sr.Count = int64(p.Scanner.Number)
		case "ALL":
			if !p.Scanner.Next(TokenSequences) {
				return p.error("ESEARCH ALL missing sequence-set")
			}
			sr.All = append(sr.All, p.Scanner.Sequences...)
		case "MODSEQ":
			if !p.Scanner.Next(TokenNumber) {
				return p.error("ESEARCH MODSEQ missing value")
			}
			sr.ModSeq = int64(p.Scanner.Number)
		default:
			return fmt.Errorf("imapparser: ESEARCH unknown item %q", p.Scanner.Value)
		}
	}
	r.Search = sr
	return p.Scanner.Error
}

// parseThreadList parses a THREAD response: zero or more top-level
// "(members)" thread lists run together with no separator, e.g.
// "(2)(3 6 (4)(23))". A server returns none of them when there are no
// messages to thread.
func (p *Parser) parseThreadList() ([]ThreadNode, error) {
	var roots []ThreadNode
	for p.Scanner.Next(TokenListStart) {
		node, err := p.parseThreadMembers()
		if err != nil {
			return nil, err
		}
		roots = append(roots, node)
	}
	if !p.Scanner.Next(TokenEnd) {
		return nil, p.error("THREAD has trailing arguments")
	}
	return roots, nil
}

// parseThreadMembers parses a thread-members list; the caller has
// already consumed its opening paren. A run of bare numbers becomes a
// chain of single-child nodes; a nested paren starts a sibling branch.
func (p *Parser) parseThreadMembers() (ThreadNode, error) {
	root := ThreadNode{}
	cur := &root
	first := true
	for {
		if p.Scanner.Next(TokenListEnd) {
			return root, nil
		}
		if p.Scanner.Next(TokenListStart) {
			child, err := p.parseThreadMembers()
			if err != nil {
				return root, err
			}
			cur.Children = append(cur.Children, child)
			continue
		}
		if !p.Scanner.Next(TokenNumber) {
			return root, p.error("THREAD member expected number or list")
		}
		uid := uint32(p.Scanner.Number)
		if first {
			root.UID = uid
			first = false
			continue
		}
		next := ThreadNode{UID: uid}
		cur.Children = append(cur.Children, next)
		cur = &cur.Children[len(cur.Children)-1]
	}
}

func (p *Parser) parseNamespace(r *Response) error {
	nr := &NamespaceResponse{}
	var err error
	if nr.Personal, err = p.parseNamespaceDescList(); err != nil {
		return fmt.Errorf("NAMESPACE personal: %v", err)
	}
	if nr.Other, err = p.parseNamespaceDescList(); err != nil {
		return fmt.Errorf("NAMESPACE other: %v", err)
	}
	if nr.Shared, err = p.parseNamespaceDescList(); err != nil {
		return fmt.Errorf("NAMESPACE shared: %v", err)
	}
	r.Namespace = nr
	return nil
}

func (p *Parser) parseNamespaceDescList() ([]NamespaceDescriptor, error) {
	if ok, _ := p.tryNIL(); ok {
		return nil, nil
	}
	if !p.Scanner.Next(TokenListStart) {
		return nil, p.error("namespace-desc-list missing list start")
	}
	var descs []NamespaceDescriptor
	for {
		if p.Scanner.Next(TokenListEnd) {
			break
		}
		if !p.Scanner.Next(TokenListStart) {
			return nil, p.error("namespace-desc missing list start")
		}
		if !p.Scanner.Next(TokenString) {
			return nil, p.error("namespace-desc missing prefix")
		}
		desc := NamespaceDescriptor{Prefix: string(p.Scanner.Value)}
		if ok, _ := p.tryNIL(); !ok {
			if !p.Scanner.Next(TokenString) {
				return nil, p.error("namespace-desc missing delimiter")
			}
			if len(p.Scanner.Value) == 1 {
				desc.Delim = p.Scanner.Value[0]
			}
		}
		// Extension parameters, RFC 2342 section 5: ignored, but
		// balanced correctly even when a parameter value is itself a
		// parenthesized list of strings.
		depth := 0
		for {
			if p.Scanner.Next(TokenListEnd) {
				if depth == 0 {
					break
				}
				depth--
				continue
			}
			if p.Scanner.Next(TokenListStart) {
				depth++
				continue
			}
			if p.Scanner.Next(TokenAtom) || p.Scanner.Next(TokenString) {
				continue
			}
			return nil, p.error("namespace-desc bad extension")
		}
		descs = append(descs, desc)
	}
	return descs, nil
}

func (p *Parser) parseIDResponse(r *Response) error {
	if ok, _ := p.tryNIL(); ok {
		return nil
	}
	if !p.Scanner.Next(TokenListStart) {
		return p.error("ID missing list start")
	}
	params := make(map[string]string)
	for {
		if p.Scanner.Next(TokenListEnd) {
			break
		}
		if !p.Scanner.Next(TokenString) {
			return p.error("ID param key is not a string")
		}
		key := string(p.Scanner.Value)
		val, err := p.nstring()
		if err != nil {
			return fmt.Errorf("ID param %s: %v", key, err)
		}
		params[key] = val
	}
	r.ID = params
	return nil
}

func (p *Parser) parseVanished(r *Response) error {
	v := &Vanished{}
	if p.Scanner.Next(TokenListStart) {
		if !p.Scanner.Next(TokenAtom) || string(p.Scanner.Value) != "EARLIER" {
			return p.error("VANISHED unknown modifier")
		}
		v.Earlier = true
		if !p.Scanner.Next(TokenListEnd) {
			return p.error("VANISHED missing modifier list end")
		}
	}
	if !p.Scanner.Next(TokenSequences) {
		return p.error("VANISHED missing UID sequence-set")
	}
	v.UIDs = append(v.UIDs, p.Scanner.Sequences...)
	r.Vanished = v
	return nil
}

func (p *Parser) parseFetchAttrs() ([]FetchAttr, error) {
	if !p.Scanner.Next(TokenListStart) {
		return nil, p.error("FETCH missing list start")
	}
	var attrs []FetchAttr
	for {
		if p.Scanner.Next(TokenListEnd) {
			break
		}
		attr, err := p.parseFetchAttr()
		if err != nil {
			return nil, err
		}
		attrs = append(attrs, attr)
	}
	return attrs, nil
}

func (p *Parser) parseFetchAttr() (FetchAttr, error) {
	// The attribute name is read with readAlphanumeric rather than
	// Next(TokenAtom): a plain atom treats '[' as an ordinary atom
	// character and only rejects ']', so "BODY[1]" would be read as one
	// malformed atom instead of the name "BODY" followed by a section.
	p.Scanner.consumeWhitespace()
	p.Scanner.Value = p.Scanner.Value[:0]
	if !p.Scanner.readAlphanumeric() {
		return FetchAttr{}, p.error("FETCH missing attribute name")
	}
	name := string(p.Scanner.Value)
	p.Scanner.Value = p.Scanner.Value[:0]

	switch name {
	case "FLAGS":
		if !p.Scanner.Next(TokenListStart) {
			return FetchAttr{}, p.error("FLAGS missing list start")
		}
		attr := FetchAttr{Type: FetchFlags}
		for p.Scanner.Next(TokenFlag) {
			attr.Flags = appendValue(attr.Flags, p.Scanner.Value)
		}
		if !p.Scanner.Next(TokenListEnd) {
			return FetchAttr{}, p.error("FLAGS missing list end")
		}
		return attr, nil

	case "INTERNALDATE":
		if !p.Scanner.Next(TokenDateTime) {
			return FetchAttr{}, p.error("INTERNALDATE bad date")
		}
		return FetchAttr{Type: FetchInternalDate, InternalDate: p.Scanner.Date}, nil

	case "RFC822.SIZE":
		if !p.Scanner.Next(TokenNumber) {
			return FetchAttr{}, p.error("RFC822.SIZE missing value")
		}
		return FetchAttr{Type: FetchRFC822Size, RFC822Size: uint32(p.Scanner.Number)}, nil

	case "ENVELOPE":
		if !p.Scanner.Next(TokenListStart) {
			return FetchAttr{}, p.error("ENVELOPE missing list start")
		}
		env, err := p.parseEnvelope()
		if err != nil {
			return FetchAttr{}, err
		}
		return FetchAttr{Type: FetchEnvelope, Envelope: env}, nil

	case "UID":
		if !p.Scanner.Next(TokenNumber) {
			return FetchAttr{}, p.error("UID missing value")
		}
		return FetchAttr{Type: FetchUID, UID: uint32(p.Scanner.Number)}, nil

	case "MODSEQ":
		if !p.Scanner.Next(TokenListStart) {
			return FetchAttr{}, p.error("MODSEQ missing list start")
		}
		if !p.Scanner.Next(TokenNumber) {
			return FetchAttr{}, p.error("MODSEQ missing value")
		}
		modSeq := int64(p.Scanner.Number)
		if !p.Scanner.Next(TokenListEnd) {
			return FetchAttr{}, p.error("MODSEQ missing list end")
		}
		return FetchAttr{Type: FetchModSeq, ModSeq: modSeq}, nil

	case "BODYSTRUCTURE", "BODY":
		// Disambiguate BODY (structure vs section) by whether a '['
		// or list follows.
		if p.Scanner.peekChar() == '[' {
			return p.parseFetchBodySection()
		}
		body, err := p.parseBodyStructure()
		if err != nil {
			return FetchAttr{}, err
		}
		typ := FetchBodyStructure
		if name == "BODY" {
			typ = FetchBody
		}
		return FetchAttr{Type: typ, Body: body}, nil

	case "RFC822", "RFC822.HEADER", "RFC822.TEXT":
		attr, err := p.parseLiteralValue()
		if err != nil {
			return FetchAttr{}, err
		}
		attr.Type = FetchBody
		if name == "RFC822.HEADER" {
			attr.Section.Name = "HEADER"
		} else if name == "RFC822.TEXT" {
			attr.Section.Name = "TEXT"
		}
		return attr, nil

	default:
		return FetchAttr{}, fmt.Errorf("imapparser: unknown FETCH attribute %q", name)
	}
}

func (p *Parser) parseFetchBodySection() (FetchAttr, error) {
	attr := FetchAttr{Type: FetchBody}
	if p.Scanner.peekChar() != '[' {
		return FetchAttr{}, p.error("BODY section missing '['")
	}
	p.Scanner.readChar() // consume '['

	for isDigit(p.Scanner.peekChar()) {
		v, err := p.Scanner.readUint32()
		if err != nil {
			return FetchAttr{}, p.error("BODY section bad numeric path")
		}
		attr.Section.Path = append(attr.Section.Path, uint16(v))
		if p.Scanner.peekChar() == '.' {
			p.Scanner.readChar()
		}
	}
	if p.Scanner.readAlphanumeric() {
		attr.Section.Name = string(p.Scanner.Value)
		p.Scanner.Value = p.Scanner.Value[:0]
		if strings.HasPrefix(attr.Section.Name, "HEADER.FIELDS") {
			p.Scanner.consumeWhitespace()
			if !p.Scanner.Next(TokenListStart) {
				return FetchAttr{}, p.error("BODY section missing header-list")
			}
			for p.Scanner.Next(TokenString) {
				attr.Section.Headers = appendValue(attr.Section.Headers, p.Scanner.Value)
			}
			if !p.Scanner.Next(TokenListEnd) {
				return FetchAttr{}, p.error("BODY section missing header-list end")
			}
		}
	}
	if p.Scanner.peekChar() != ']' {
		return FetchAttr{}, p.error("BODY section missing ']'")
	}
	p.Scanner.readChar()

	if p.Scanner.peekChar() == '<' {
		p.Scanner.readChar()
		v, err := p.Scanner.readUint32()
		if err != nil {
			return FetchAttr{}, p.error("BODY section bad partial origin")
		}
		attr.PartialStart = v
		if p.Scanner.peekChar() != '>' {
			return FetchAttr{}, p.error("BODY section missing '>'")
		}
		p.Scanner.readChar()
	}

	lit, err := p.parseLiteralValue()
	if err != nil {
		return FetchAttr{}, err
	}
	attr.Literal = lit.Literal
	return attr, nil
}

// parseLiteralValue reads an nstring fetch value, buffering it via
// p.Filer so large message bodies never have to live entirely in
// memory. The wire shape (literal, quoted string, or NIL) is decided
// by peeking the leading byte rather than trying one token and
// falling back to another: once the scanner commits to reading a
// quoted string or a literal it consumes the bytes whether or not
// that turns out to match what the caller expected, so a fallback
// after a failed Next would read from the wrong stream position.
func (p *Parser) parseLiteralValue() (FetchAttr, error) {
	if ok, _ := p.tryNIL(); ok {
		return FetchAttr{}, nil
	}
	switch p.Scanner.peekChar() {
	case '"':
		if !p.Scanner.Next(TokenString) {
			return FetchAttr{}, p.error("expected quoted string")
		}
		buf := p.Filer.BufferFile(0)
		buf.Write(p.Scanner.Value)
		buf.Seek(0, 0)
		return FetchAttr{Literal: buf}, nil
	case '{':
		buf := p.Filer.BufferFile(0)
		p.Scanner.Literal = buf
		if !p.Scanner.Next(TokenLiteral) {
			buf.Close()
			return FetchAttr{}, p.error("expected literal")
		}
		return FetchAttr{Literal: buf}, nil
	default:
		return FetchAttr{}, p.error("expected literal, string, or NIL")
	}
}
