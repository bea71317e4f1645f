package imapparser

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"

	"crawshaw.io/iox"

	"mailcore.dev/core/imap/imapparser/utf7mod"
)

// Serializer turns a Command into the bytes a server expects, the
// mirror image of Parser.ParseResponse. The wire grammar is symmetric
// (the same atoms, strings, lists and literals in both directions) so
// the scanner's token vocabulary doubles as the serializer's output
// vocabulary; only the literal continuation handshake is direction
// specific, since writing a literal means pausing mid-command for the
// server's "+" before sending the bytes.
type Serializer struct {
	w   *bufio.Writer
	buf bytes.Buffer

	// LiteralPlus is set once CAPABILITY has reported LITERAL+ (or
	// LITERAL-) for this connection: literals are tagged "{n+}" and
	// sent without waiting for a "+" continuation response.
	LiteralPlus bool
}

func NewSerializer(w io.Writer) *Serializer {
	return &Serializer{w: bufio.NewWriter(w)}
}

// ReadContinuation is supplied by the caller to block until the
// server's "+" continuation line arrives. It is not called when
// LiteralPlus is set.
type ReadContinuation func() error

// WriteCommand serializes cmd and flushes it to the underlying writer.
// If cmd carries a literal (APPEND's message body, or STORE/others in
// the future) and LiteralPlus is unset, readContinuation is called
// once the literal's "{n}\r\n" header has been flushed, and must not
// return until the server's "+" has been read.
func (s *Serializer) WriteCommand(cmd *Command, readContinuation ReadContinuation) error {
	s.buf.Reset()

	if len(cmd.Tag) == 0 {
		return errors.New("imapparser: command missing tag")
	}
	s.buf.Write(cmd.Tag)
	s.buf.WriteByte(' ')
	if cmd.UID {
		s.buf.WriteString("UID ")
	}
	s.buf.WriteString(cmd.Name)

	var err error
	switch cmd.Name {
	case "SELECT", "EXAMINE":
		err = s.writeSelect(cmd)
	case "CREATE", "DELETE", "SUBSCRIBE", "UNSUBSCRIBE":
		err = s.writeMailboxArg(cmd.Mailbox)
	case "RENAME":
		if err = s.writeMailboxArg(cmd.Rename.OldMailbox); err == nil {
			err = s.writeMailboxArg(cmd.Rename.NewMailbox)
		}
	case "LIST", "LSUB":
		err = s.writeList(cmd)
	case "STATUS":
		err = s.writeStatus(cmd)
	case "APPEND":
		err = s.writeAppend(cmd, readContinuation)
	case "SEARCH":
		err = s.writeSearch(cmd)
	case "SORT":
		err = s.writeSort(cmd)
	case "THREAD":
		err = s.writeThread(cmd)
	case "FETCH":
		err = s.writeFetch(cmd)
	case "STORE":
		err = s.writeStore(cmd)
	case "COPY", "MOVE":
		err = s.writeCopyMove(cmd)
	case "LOGIN":
		if err = s.writeSpaceAstring(cmd.Auth.Username); err == nil {
			err = s.writeSpaceAstring(cmd.Auth.Password)
		}
	case "AUTHENTICATE":
		err = s.writeAuthenticate(cmd)
	case "ENABLE":
		err = s.writeEnable(cmd.Params)
	case "ID":
		err = s.writeID(cmd.Params)
	case "CAPABILITY", "NOOP", "LOGOUT", "CHECK", "CLOSE", "EXPUNGE",
		"STARTTLS", "IDLE", "UNSELECT", "NAMESPACE":
		// no arguments
	default:
		err = fmt.Errorf("imapparser: unknown command %q", cmd.Name)
	}
	if err != nil {
		return err
	}

	s.buf.WriteString("\r\n")
	if _, err := s.w.Write(s.buf.Bytes()); err != nil {
		return err
	}
	return s.w.Flush()
}

func (s *Serializer) writeSelect(cmd *Command) error {
	if err := s.writeMailboxArg(cmd.Mailbox); err != nil {
		return err
	}
	switch {
	case cmd.Qresync.UIDValidity != 0 || cmd.Qresync.ModSeq != 0:
		return s.writeQresync(&cmd.Qresync)
	case cmd.Condstore:
		s.buf.WriteString(" (CONDSTORE)")
	}
	return nil
}

func (s *Serializer) writeQresync(q *QresyncParam) error {
	fmt.Fprintf(&s.buf, " (QRESYNC (%d %d", q.UIDValidity, q.ModSeq)
	if len(q.UIDs) > 0 {
		s.buf.WriteByte(' ')
		if err := FormatSeqs(&s.buf, q.UIDs); err != nil {
			return err
		}
	}
	if len(q.KnownSeqNumMatch) > 0 && len(q.KnownUIDMatch) > 0 {
		s.buf.WriteString(" (")
		if err := FormatSeqs(&s.buf, q.KnownSeqNumMatch); err != nil {
			return err
		}
		s.buf.WriteByte(' ')
		if err := FormatSeqs(&s.buf, q.KnownUIDMatch); err != nil {
			return err
		}
		s.buf.WriteByte(')')
	}
	s.buf.WriteString("))")
	return nil
}

func (s *Serializer) writeList(cmd *Command) error {
	l := &cmd.List
	if len(l.SelectOptions) > 0 {
		s.buf.WriteString(" (")
		s.buf.WriteString(joinStrings(l.SelectOptions))
		s.buf.WriteByte(')')
	}
	if err := s.writeSpaceAstring(l.ReferenceName); err != nil {
		return err
	}
	if err := s.writeMailboxArg(l.MailboxGlob); err != nil {
		return err
	}
	if len(l.ReturnOptions) > 0 {
		s.buf.WriteString(" RETURN (")
		s.buf.WriteString(joinStrings(l.ReturnOptions))
		s.buf.WriteByte(')')
	}
	return nil
}

func joinStrings(vals []string) string {
	buf := new(bytes.Buffer)
	for i, v := range vals {
		if i > 0 {
			buf.WriteByte(' ')
		}
		buf.WriteString(v)
	}
	return buf.String()
}

func (s *Serializer) writeStatus(cmd *Command) error {
	if err := s.writeMailboxArg(cmd.Mailbox); err != nil {
		return err
	}
	s.buf.WriteString(" (")
	for i, item := range cmd.Status.Items {
		if i > 0 {
			s.buf.WriteByte(' ')
		}
		name, err := statusItemName(item)
		if err != nil {
			return err
		}
		s.buf.WriteString(name)
	}
	s.buf.WriteByte(')')
	return nil
}

func statusItemName(item StatusItem) (string, error) {
	switch item {
	case StatusMessages:
		return "MESSAGES", nil
	case StatusRecent:
		return "RECENT", nil
	case StatusUIDNext:
		return "UIDNEXT", nil
	case StatusUIDValidity:
		return "UIDVALIDITY", nil
	case StatusUnseen:
		return "UNSEEN", nil
	case StatusHighestModSeq:
		return "HIGHESTMODSEQ", nil
	default:
		return "", fmt.Errorf("imapparser: unknown status item %d", item)
	}
}

func (s *Serializer) writeAppend(cmd *Command, readContinuation ReadContinuation) error {
	if err := s.writeMailboxArg(cmd.Mailbox); err != nil {
		return err
	}
	if len(cmd.Append.Flags) > 0 {
		s.buf.WriteString(" (")
		for i, f := range cmd.Append.Flags {
			if i > 0 {
				s.buf.WriteByte(' ')
			}
			s.buf.Write(f)
		}
		s.buf.WriteByte(')')
	}
	if len(cmd.Append.Date) > 0 {
		if err := s.writeSpaceAstring(cmd.Append.Date); err != nil {
			return err
		}
	}
	if cmd.Literal == nil {
		return errors.New("imapparser: APPEND missing literal message body")
	}
	return s.writeLiteral(cmd.Literal, readContinuation)
}

// writeLiteral flushes the buffered command text plus the literal's
// "{n}" header, then (unless LITERAL+ is in effect) blocks on the
// caller's continuation reader before streaming the literal bytes
// straight to the connection.
func (s *Serializer) writeLiteral(lit *iox.BufferFile, readContinuation ReadContinuation) error {
	n := lit.Size()
	fmt.Fprintf(&s.buf, " {%d", n)
	if s.LiteralPlus {
		s.buf.WriteByte('+')
	}
	s.buf.WriteString("}\r\n")
	if _, err := s.w.Write(s.buf.Bytes()); err != nil {
		return err
	}
	s.buf.Reset()
	if err := s.w.Flush(); err != nil {
		return err
	}
	if !s.LiteralPlus {
		if readContinuation == nil {
			return errors.New("imapparser: literal requires a continuation reader")
		}
		if err := readContinuation(); err != nil {
			return err
		}
	}
	r := io.NewSectionReader(lit, 0, n)
	_, err := io.Copy(s.w, r)
	return err
}

func (s *Serializer) writeFetch(cmd *Command) error {
	if err := s.writeSeqRange(cmd.Sequences); err != nil {
		return err
	}
	s.buf.WriteString(" (")
	for i, item := range cmd.FetchItems {
		if i > 0 {
			s.buf.WriteByte(' ')
		}
		s.buf.WriteString(item.String())
	}
	s.buf.WriteByte(')')
	if cmd.ChangedSince != 0 {
		fmt.Fprintf(&s.buf, " (CHANGEDSINCE %d", cmd.ChangedSince)
		if cmd.Vanished {
			s.buf.WriteString(" VANISHED")
		}
		s.buf.WriteByte(')')
	}
	return nil
}

// writeStore writes STORE's trailing arguments directly, rather than
// through Store.String() (typeshelp.go): that method orders its output
// for a readable debug line (mode, then UNCHANGEDSINCE, then flags),
// but RFC 7162's store-modifier grammar requires UNCHANGEDSINCE's
// parenthesized group *before* store-att-flags on the wire.
func (s *Serializer) writeStore(cmd *Command) error {
	if err := s.writeSeqRange(cmd.Sequences); err != nil {
		return err
	}
	st := &cmd.Store
	if st.UnchangedSince != 0 {
		fmt.Fprintf(&s.buf, " (UNCHANGEDSINCE %d)", st.UnchangedSince)
	}
	s.buf.WriteByte(' ')
	s.buf.WriteString(st.Mode.String())
	if st.Silent {
		s.buf.WriteString(".SILENT")
	}
	if len(st.Flags) > 0 {
		s.buf.WriteString(" (")
		for i, f := range st.Flags {
			if i > 0 {
				s.buf.WriteByte(' ')
			}
			s.buf.Write(f)
		}
		s.buf.WriteByte(')')
	}
	return nil
}

func (s *Serializer) writeCopyMove(cmd *Command) error {
	if err := s.writeSeqRange(cmd.Sequences); err != nil {
		return err
	}
	return s.writeMailboxArg(cmd.Destination)
}

func (s *Serializer) writeSeqRange(seqs []SeqRange) error {
	s.buf.WriteByte(' ')
	return FormatSeqs(&s.buf, seqs)
}

func (s *Serializer) writeSearch(cmd *Command) error {
	sr := &cmd.Search
	if len(sr.Return) > 0 {
		s.buf.WriteString(" RETURN (")
		s.buf.WriteString(joinStrings(sr.Return))
		s.buf.WriteByte(')')
	}
	if sr.Charset != "" {
		fmt.Fprintf(&s.buf, " CHARSET %s", sr.Charset)
	}
	s.buf.WriteByte(' ')
	return s.writeSearchOp(sr.Op)
}

func (s *Serializer) writeSort(cmd *Command) error {
	so := &cmd.Sort
	s.buf.WriteString(" (")
	for i, c := range so.Criteria {
		if i > 0 {
			s.buf.WriteByte(' ')
		}
		if c.Reverse {
			s.buf.WriteString("REVERSE ")
		}
		s.buf.WriteString(string(c.Key))
	}
	s.buf.WriteByte(')')
	charset := so.Charset
	if charset == "" {
		charset = "US-ASCII"
	}
	fmt.Fprintf(&s.buf, " %s ", charset)
	return s.writeSearchOp(so.Op)
}

func (s *Serializer) writeThread(cmd *Command) error {
	th := &cmd.Thread
	charset := th.Charset
	if charset == "" {
		charset = "US-ASCII"
	}
	fmt.Fprintf(&s.buf, " %s %s ", th.Algorithm, charset)
	return s.writeSearchOp(th.Op)
}

// writeSearchOp renders a SearchOp tree in RFC 3501 search-key syntax.
// AND is this package's own addition (see SearchOp's doc comment in
// types.go) and is written as a bare parenthesized list, the grammar's
// native way of conjoining keys; OR and NOT use their RFC keywords.
func (s *Serializer) writeSearchOp(op *SearchOp) error {
	if op == nil {
		return errors.New("imapparser: nil search key")
	}
	switch op.Key {
	case SearchAnd:
		s.buf.WriteByte('(')
		for i := range op.Children {
			if i > 0 {
				s.buf.WriteByte(' ')
			}
			if err := s.writeSearchOp(&op.Children[i]); err != nil {
				return err
			}
		}
		s.buf.WriteByte(')')
		return nil
	case SearchOr:
		if len(op.Children) != 2 {
			return fmt.Errorf("imapparser: OR requires 2 children, got %d", len(op.Children))
		}
		s.buf.WriteString("OR ")
		if err := s.writeSearchOp(&op.Children[0]); err != nil {
			return err
		}
		s.buf.WriteByte(' ')
		return s.writeSearchOp(&op.Children[1])
	case SearchNot:
		if len(op.Children) != 1 {
			return fmt.Errorf("imapparser: NOT requires 1 child, got %d", len(op.Children))
		}
		s.buf.WriteString("NOT ")
		return s.writeSearchOp(&op.Children[0])
	case SearchSeqSet:
		return FormatSeqs(&s.buf, op.Sequences)
	case SearchUID, SearchUndraft:
		s.buf.WriteString(string(op.Key))
		s.buf.WriteByte(' ')
		return FormatSeqs(&s.buf, op.Sequences)
	case SearchBefore, SearchOn, SearchSentBefore, SearchSentOn, SearchSentSince, SearchSince:
		s.buf.WriteString(string(op.Key))
		s.buf.WriteByte(' ')
		return s.writeDateArg(op.Date)
	case SearchLarger, SearchSmaller, SearchModSeq:
		fmt.Fprintf(&s.buf, "%s %d", op.Key, op.Num)
		return nil
	case SearchHeader:
		field, value := splitHeaderKey(op.Value)
		s.buf.WriteString(string(op.Key))
		s.buf.WriteByte(' ')
		if err := s.writeAstring([]byte(field)); err != nil {
			return err
		}
		return s.writeSpaceAstring([]byte(value))
	case SearchBcc, SearchCc, SearchFrom, SearchKeyword, SearchSubject,
		SearchText, SearchTo, SearchUnkeyword, SearchBody:
		s.buf.WriteString(string(op.Key))
		return s.writeSpaceAstring([]byte(op.Value))
	default:
		// Bare keyword: ALL, ANSWERED, DELETED, DRAFT, FLAGGED, NEW,
		// OLD, RECENT, SEEN, UNANSWERED, UNDELETED, UNFLAGGED, UNSEEN.
		s.buf.WriteString(string(op.Key))
		return nil
	}
}

// splitHeaderKey splits a SearchOp.Value of the form "<field-name>: <string>"
// (see the HEADER comment on SearchOp in types.go) back into its two
// wire arguments.
func splitHeaderKey(v string) (field, value string) {
	for i := 0; i+1 < len(v); i++ {
		if v[i] == ':' && v[i+1] == ' ' {
			return v[:i], v[i+2:]
		}
	}
	return v, ""
}

func (s *Serializer) writeDateArg(t time.Time) error {
	s.buf.WriteByte('"')
	s.buf.WriteString(t.Format("02-Jan-2006"))
	s.buf.WriteByte('"')
	return nil
}

func (s *Serializer) writeAuthenticate(cmd *Command) error {
	if cmd.Authenticate.Mechanism == "" {
		return errors.New("imapparser: AUTHENTICATE missing mechanism")
	}
	s.buf.WriteByte(' ')
	s.buf.WriteString(cmd.Authenticate.Mechanism)
	if cmd.Authenticate.InitialResponse != nil {
		s.buf.WriteByte(' ')
		if len(cmd.Authenticate.InitialResponse) == 0 {
			s.buf.WriteByte('=') // RFC 4959 SASL-IR empty initial response
			return nil
		}
		enc := base64.StdEncoding.EncodeToString(cmd.Authenticate.InitialResponse)
		s.buf.WriteString(enc)
	}
	return nil
}

// writeEnable writes ENABLE's capability-name list: bare atoms,
// space separated, no surrounding parens.
func (s *Serializer) writeEnable(params [][]byte) error {
	if len(params) == 0 {
		return errors.New("imapparser: ENABLE requires at least one capability")
	}
	for _, p := range params {
		s.buf.WriteByte(' ')
		s.buf.Write(p)
	}
	return nil
}

// writeID writes ID's parameter list, RFC 2971 section 3.1: either
// "NIL" or a parenthesized list of quoted-string field/value pairs.
// Params holds the flattened pairs, so its length must be even.
func (s *Serializer) writeID(params [][]byte) error {
	if len(params) == 0 {
		s.buf.WriteString(" NIL")
		return nil
	}
	if len(params)%2 != 0 {
		return errors.New("imapparser: ID params must be field/value pairs")
	}
	s.buf.WriteString(" (")
	for i, p := range params {
		if i > 0 {
			s.buf.WriteByte(' ')
		}
		if err := s.writeAstring(p); err != nil {
			return err
		}
	}
	s.buf.WriteByte(')')
	return nil
}

func (s *Serializer) writeMailboxArg(name []byte) error {
	encoded, err := utf7mod.AppendEncode(nil, name)
	if err != nil {
		return fmt.Errorf("imapparser: encoding mailbox name: %w", err)
	}
	return s.writeSpaceAstring(encoded)
}

func (s *Serializer) writeSpaceAstring(v []byte) error {
	s.buf.WriteByte(' ')
	return s.writeAstring(v)
}

// writeAstring writes v as a quoted string, escaping the two
// characters quoted strings allow to escape. A value containing CR or
// LF cannot be represented as a quoted string (and none of the short
// fields this serializer writes inline - mailbox names, flags,
// credentials, search values - should ever need to); those belong in
// Command.Literal instead, which writeLiteral sends as a real IMAP
// literal.
func (s *Serializer) writeAstring(v []byte) error {
	if bytes.ContainsAny(v, "\r\n\x00") {
		return errors.New("imapparser: value requires a literal, not inline in the command line")
	}
	s.buf.WriteByte('"')
	for _, b := range v {
		if b == '"' || b == '\\' {
			s.buf.WriteByte('\\')
		}
		s.buf.WriteByte(b)
	}
	s.buf.WriteByte('"')
	return nil
}
