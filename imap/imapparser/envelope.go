package imapparser

import "fmt"

// Address is a single RFC 3501 "address" structure, as carried inside
// an ENVELOPE response: (name adl mailbox host). A group boundary
// marker (RFC 2822 group syntax inside ENVELOPE) has Mailbox set and
// Host NIL; this parser does not synthesize group markers, since no
// address list it builds needs them.
type Address struct {
	Name        string // personal name, NIL if absent
	SourceRoute string // source-route (adl), almost always NIL
	Mailbox     string // local-part
	Host        string // domain
}

// String renders the address in RFC 5322 mailbox form, "name <mailbox@host>".
func (a Address) String() string {
	addr := a.Mailbox
	if a.Host != "" {
		addr += "@" + a.Host
	}
	if a.Name == "" {
		return addr
	}
	return fmt.Sprintf("%q <%s>", a.Name, addr)
}

// Envelope is the ENVELOPE fetch response, RFC 3501 section 7.4.2.
type Envelope struct {
	Date      string
	Subject   string
	From      []Address
	Sender    []Address
	ReplyTo   []Address
	To        []Address
	Cc        []Address
	Bcc       []Address
	InReplyTo string
	MessageID string
}

// parseEnvelope parses an ENVELOPE structure. The caller has already
// consumed the opening TokenListStart.
func (p *Parser) parseEnvelope() (*Envelope, error) {
	env := &Envelope{}

	var err error
	if env.Date, err = p.nstring(); err != nil {
		return nil, fmt.Errorf("ENVELOPE date: %v", err)
	}
	if env.Subject, err = p.nstring(); err != nil {
		return nil, fmt.Errorf("ENVELOPE subject: %v", err)
	}
	if env.From, err = p.parseAddressList(); err != nil {
		return nil, fmt.Errorf("ENVELOPE from: %v", err)
	}
	if env.Sender, err = p.parseAddressList(); err != nil {
		return nil, fmt.Errorf("ENVELOPE sender: %v", err)
	}
	if env.ReplyTo, err = p.parseAddressList(); err != nil {
		return nil, fmt.Errorf("ENVELOPE reply-to: %v", err)
	}
	if env.To, err = p.parseAddressList(); err != nil {
		return nil, fmt.Errorf("ENVELOPE to: %v", err)
	}
	if env.Cc, err = p.parseAddressList(); err != nil {
		return nil, fmt.Errorf("ENVELOPE cc: %v", err)
	}
	if env.Bcc, err = p.parseAddressList(); err != nil {
		return nil, fmt.Errorf("ENVELOPE bcc: %v", err)
	}
	if env.InReplyTo, err = p.nstring(); err != nil {
		return nil, fmt.Errorf("ENVELOPE in-reply-to: %v", err)
	}
	if env.MessageID, err = p.nstring(); err != nil {
		return nil, fmt.Errorf("ENVELOPE message-id: %v", err)
	}

	if !p.Scanner.Next(TokenListEnd) {
		return nil, p.error("ENVELOPE missing list end")
	}
	return env, nil
}

// parseAddressList parses an "address list", either NIL or a
// parenthesized list of address structures.
func (p *Parser) parseAddressList() ([]Address, error) {
	if ok, err := p.tryNIL(); err != nil {
		return nil, err
	} else if ok {
		return nil, nil
	}
	if !p.Scanner.Next(TokenListStart) {
		return nil, p.error("address-list missing list start")
	}
	var addrs []Address
	for {
		if p.Scanner.Next(TokenListEnd) {
			break
		}
		if !p.Scanner.Next(TokenListStart) {
			return nil, p.error("address missing list start")
		}
		a := Address{}
		var err error
		if a.Name, err = p.nstring(); err != nil {
			return nil, fmt.Errorf("address name: %v", err)
		}
		if a.SourceRoute, err = p.nstring(); err != nil {
			return nil, fmt.Errorf("address adl: %v", err)
		}
		if a.Mailbox, err = p.nstring(); err != nil {
			return nil, fmt.Errorf("address mailbox: %v", err)
		}
		if a.Host, err = p.nstring(); err != nil {
			return nil, fmt.Errorf("address host: %v", err)
		}
		if !p.Scanner.Next(TokenListEnd) {
			return nil, p.error("address missing list end")
		}
		addrs = append(addrs, a)
	}
	return addrs, nil
}

// BodyStructurePart is one node of a BODYSTRUCTURE or BODY response,
// RFC 3501 section 7.4.2. Multipart nodes have Type "multipart" and a
// non-empty Children; leaf nodes describe a single MIME part.
type BodyStructurePart struct {
	Type        string // e.g. "text", "multipart", "message"
	Subtype     string // e.g. "plain", "mixed", "rfc822"
	Params      map[string]string
	ID          string
	Description string
	Encoding    string
	Size        uint32
	Lines       uint32 // only for Type == "text" or Subtype == "rfc822"

	Envelope    *Envelope          // only for Subtype == "rfc822"
	NestedBody  *BodyStructurePart // only for Subtype == "rfc822"
	MD5         string
	Disposition string
	DispParams  map[string]string
	Language    []string
	Location    string

	Children []BodyStructurePart // only for Type == "multipart"
}

func (p *Parser) parseBodyStructure() (*BodyStructurePart, error) {
	if !p.Scanner.Next(TokenListStart) {
		return nil, p.error("BODYSTRUCTURE missing list start")
	}
	return p.parseBodyStructurePart()
}

func (p *Parser) parseBodyStructurePart() (*BodyStructurePart, error) {
	part := &BodyStructurePart{}

	// A multipart body begins with a nested list of child parts; a
	// leaf body begins directly with the type string.
	if p.Scanner.Next(TokenListStart) {
		part.Type = "multipart"
		for {
			child, err := p.parseBodyStructurePart()
			if err != nil {
				return nil, err
			}
			part.Children = append(part.Children, *child)
			if p.Scanner.Next(TokenListStart) {
				continue
			}
			break
		}
		subtype, err := p.nstring()
		if err != nil {
			return nil, fmt.Errorf("multipart subtype: %v", err)
		}
		part.Subtype = subtype
		// Extension data (body parameter list, disposition, language,
		// location) is optional and, when absent, the enclosing list
		// simply ends here.
		if err := p.parseBodyExtension(part); err != nil && err != errBodyExtDone {
			return nil, err
		}
		return part, nil
	}

	var err error
	if part.Type, err = p.nstring(); err != nil {
		return nil, fmt.Errorf("body type: %v", err)
	}
	if part.Subtype, err = p.nstring(); err != nil {
		return nil, fmt.Errorf("body subtype: %v", err)
	}
	if part.Params, err = p.parseParamList(); err != nil {
		return nil, fmt.Errorf("body params: %v", err)
	}
	if part.ID, err = p.nstring(); err != nil {
		return nil, fmt.Errorf("body id: %v", err)
	}
	if part.Description, err = p.nstring(); err != nil {
		return nil, fmt.Errorf("body description: %v", err)
	}
	if part.Encoding, err = p.nstring(); err != nil {
		return nil, fmt.Errorf("body encoding: %v", err)
	}
	if !p.Scanner.Next(TokenNumber) {
		return nil, p.error("body missing octet size")
	}
	part.Size = uint32(p.Scanner.Number)

	if part.Type == "text" {
		if !p.Scanner.Next(TokenNumber) {
			return nil, p.error("body text missing line count")
		}
		part.Lines = uint32(p.Scanner.Number)
	}
	if part.Type == "message" && part.Subtype == "rfc822" {
		if !p.Scanner.Next(TokenListStart) {
			return nil, p.error("body message/rfc822 missing envelope list")
		}
		if part.Envelope, err = p.parseEnvelope(); err != nil {
			return nil, err
		}
		if part.NestedBody, err = p.parseBodyStructure(); err != nil {
			return nil, err
		}
		if !p.Scanner.Next(TokenNumber) {
			return nil, p.error("body message/rfc822 missing line count")
		}
		part.Lines = uint32(p.Scanner.Number)
	}

	if err := p.parseBodyExtension(part); err != nil && err != errBodyExtDone {
		return nil, err
	}
	return part, nil
}

// parseBodyExtension parses the optional body-ext-1part / body-ext-mpart
// tail: MD5, disposition, language, location. Each field is itself
// optional (servers commonly omit the whole tail, or stop partway
// through it), and a failed speculative Next leaves the scanner
// position unchanged, so each step just checks for the closing paren
// before trying to parse the next field.
func (p *Parser) parseBodyExtension(part *BodyStructurePart) error {
	if p.Scanner.Next(TokenListEnd) {
		return errBodyExtDone
	}
	var err error
	if part.MD5, err = p.nstring(); err != nil {
		return fmt.Errorf("body md5: %v", err)
	}

	if p.Scanner.Next(TokenListEnd) {
		return errBodyExtDone
	}
	if ok, err := p.tryNIL(); err != nil {
		return err
	} else if !ok {
		if !p.Scanner.Next(TokenListStart) {
			return p.error("body disposition missing list start")
		}
		if part.Disposition, err = p.nstring(); err != nil {
			return fmt.Errorf("body disposition type: %v", err)
		}
		if part.DispParams, err = p.parseParamList(); err != nil {
			return fmt.Errorf("body disposition params: %v", err)
		}
		if !p.Scanner.Next(TokenListEnd) {
			return p.error("body disposition missing list end")
		}
	}

	if p.Scanner.Next(TokenListEnd) {
		return errBodyExtDone
	}
	if ok, err := p.tryNIL(); err != nil {
		return err
	} else if !ok {
		lang, err := p.nstring()
		if err != nil {
			return fmt.Errorf("body language: %v", err)
		}
		part.Language = []string{lang}
	}

	if p.Scanner.Next(TokenListEnd) {
		return errBodyExtDone
	}
	if part.Location, err = p.nstring(); err != nil {
		return fmt.Errorf("body location: %v", err)
	}
	if !p.Scanner.Next(TokenListEnd) {
		return p.error("body extension missing list end")
	}
	return errBodyExtDone
}

// errBodyExtDone signals that parseBodyExtension already consumed the
// closing TokenListEnd for the enclosing body structure, so callers
// must not look for one again.
var errBodyExtDone = fmt.Errorf("imapparser: body extension consumed list end")

// parseParamList parses a body parameter list: NIL or a flat,
// alternating key/value parenthesized list.
func (p *Parser) parseParamList() (map[string]string, error) {
	if ok, err := p.tryNIL(); err != nil {
		return nil, err
	} else if ok {
		return nil, nil
	}
	if !p.Scanner.Next(TokenListStart) {
		return nil, p.error("param-list missing list start")
	}
	params := make(map[string]string)
	for {
		if p.Scanner.Next(TokenListEnd) {
			break
		}
		if !p.Scanner.Next(TokenString) {
			return nil, p.error("param-list key is not a string")
		}
		key := string(p.Scanner.Value)
		if !p.Scanner.Next(TokenString) {
			return nil, p.error("param-list value is not a string")
		}
		params[key] = string(p.Scanner.Value)
	}
	return params, nil
}

// nstring reads an astring that may be NIL, returning "" for NIL.
func (p *Parser) nstring() (string, error) {
	if ok, err := p.tryNIL(); err != nil {
		return "", err
	} else if ok {
		return "", nil
	}
	if !p.Scanner.Next(TokenString) {
		return "", p.error("expected nstring")
	}
	return string(p.Scanner.Value), nil
}

// tryNIL consumes a literal "NIL" atom if the next token is one,
// reporting whether it did. A failed speculative Next leaves the
// scanner position unchanged.
func (p *Parser) tryNIL() (bool, error) {
	return p.Scanner.Next(TokenNIL), nil
}
