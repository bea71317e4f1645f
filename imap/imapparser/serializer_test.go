package imapparser

import (
	"bytes"
	"testing"
	"time"

	"mailcore.dev/core/imap/imapparser/utf7mod"
)

func TestSerializerCommands(t *testing.T) {
	tests := []struct {
		name string
		cmd  Command
		want string
	}{
		{
			name: "select",
			cmd:  Command{Tag: []byte("a1"), Name: "SELECT", Mailbox: []byte("INBOX")},
			want: "a1 SELECT \"INBOX\"\r\n",
		},
		{
			name: "select condstore",
			cmd:  Command{Tag: []byte("a1"), Name: "SELECT", Mailbox: []byte("INBOX"), Condstore: true},
			want: "a1 SELECT \"INBOX\" (CONDSTORE)\r\n",
		},
		{
			name: "select qresync",
			cmd: Command{
				Tag: []byte("a1"), Name: "SELECT", Mailbox: []byte("INBOX"),
				Qresync: QresyncParam{
					UIDValidity:      67890,
					ModSeq:           90060,
					UIDs:             []SeqRange{{Min: 1, Max: 0}},
					KnownSeqNumMatch: []SeqRange{{Min: 1, Max: 29}},
					KnownUIDMatch:    []SeqRange{{Min: 4, Max: 29}},
				},
			},
			want: `a1 SELECT "INBOX" (QRESYNC (67890 90060 1:* (1:29 4:29)))` + "\r\n",
		},
		{
			name: "rename",
			cmd: Command{Tag: []byte("a1"), Name: "RENAME",
				Rename: struct{ OldMailbox, NewMailbox []byte }{OldMailbox: []byte("Drafts"), NewMailbox: []byte("Old Drafts")}},
			want: "a1 RENAME \"Drafts\" \"Old Drafts\"\r\n",
		},
		{
			name: "list extended",
			cmd: Command{Tag: []byte("a1"), Name: "LIST", List: List{
				ReferenceName: []byte(""),
				MailboxGlob:   []byte("%"),
				SelectOptions: []string{"SUBSCRIBED"},
				ReturnOptions: []string{"CHILDREN"},
			}},
			want: `a1 LIST (SUBSCRIBED) "" "%" RETURN (CHILDREN)` + "\r\n",
		},
		{
			name: "status",
			cmd: Command{Tag: []byte("a1"), Name: "STATUS", Mailbox: []byte("INBOX"),
				Status: struct{ Items []StatusItem }{Items: []StatusItem{StatusMessages, StatusUIDNext, StatusHighestModSeq}}},
			want: `a1 STATUS "INBOX" (MESSAGES UIDNEXT HIGHESTMODSEQ)` + "\r\n",
		},
		{
			name: "fetch",
			cmd: Command{Tag: []byte("a1"), Name: "FETCH", UID: true,
				Sequences:  []SeqRange{{Min: 1, Max: 5}},
				FetchItems: []FetchItem{{Type: FetchFlags}, {Type: FetchUID}}},
			want: "a1 UID FETCH 1:5 (FLAGS UID)\r\n",
		},
		{
			name: "fetch body section with changedsince and vanished",
			cmd: Command{Tag: []byte("a1"), Name: "FETCH", UID: true,
				Sequences: []SeqRange{{Min: 1, Max: 0}},
				FetchItems: []FetchItem{
					{Type: FetchBody, Peek: true, Section: FetchItemSection{Name: "HEADER"}},
				},
				ChangedSince: 12345,
				Vanished:     true,
			},
			want: "a1 UID FETCH 1:* (BODY.PEEK[HEADER]) (CHANGEDSINCE 12345 VANISHED)\r\n",
		},
		{
			name: "store with unchangedsince",
			cmd: Command{Tag: []byte("a1"), Name: "STORE",
				Sequences: []SeqRange{{Min: 1, Max: 3}},
				Store: Store{Mode: StoreAdd, Silent: true, UnchangedSince: 4, Flags: [][]byte{[]byte(`\Seen`)}},
			},
			want: `a1 STORE 1:3 (UNCHANGEDSINCE 4) +FLAGS.SILENT (\Seen)` + "\r\n",
		},
		{
			name: "copy",
			cmd: Command{Tag: []byte("a1"), Name: "COPY",
				Sequences:   []SeqRange{{Min: 1, Max: 3}},
				Destination: []byte("Archive")},
			want: `a1 COPY 1:3 "Archive"` + "\r\n",
		},
		{
			name: "login",
			cmd: Command{Tag: []byte("a1"), Name: "LOGIN",
				Auth: struct{ Username, Password []byte }{Username: []byte("quoted \"user\""), Password: []byte(`p\w`)}},
			want: `a1 LOGIN "quoted \"user\"" "p\\w"` + "\r\n",
		},
		{
			name: "authenticate with initial response",
			cmd: Command{Tag: []byte("a1"), Name: "AUTHENTICATE",
				Authenticate: struct {
					Mechanism       string
					InitialResponse []byte
				}{Mechanism: "PLAIN", InitialResponse: []byte("\x00user\x00pass")}},
			want: "a1 AUTHENTICATE PLAIN AHVzZXIAcGFzcw==\r\n",
		},
		{
			name: "enable",
			cmd:  Command{Tag: []byte("a1"), Name: "ENABLE", Params: [][]byte{[]byte("CONDSTORE"), []byte("QRESYNC")}},
			want: "a1 ENABLE CONDSTORE QRESYNC\r\n",
		},
		{
			name: "id with params",
			cmd: Command{Tag: []byte("a1"), Name: "ID",
				Params: [][]byte{[]byte("name"), []byte("mailcore"), []byte("version"), []byte("1.0")}},
			want: `a1 ID ("name" "mailcore" "version" "1.0")` + "\r\n",
		},
		{
			name: "id nil",
			cmd:  Command{Tag: []byte("a1"), Name: "ID"},
			want: "a1 ID NIL\r\n",
		},
		{
			name: "capability takes no args",
			cmd:  Command{Tag: []byte("a1"), Name: "CAPABILITY"},
			want: "a1 CAPABILITY\r\n",
		},
		{
			name: "search and/or/not tree with uid and seqset",
			cmd: Command{Tag: []byte("a1"), Name: "SEARCH", Search: Search{
				Charset: "UTF-8",
				Return:  []string{"ALL"},
				Op: &SearchOp{Key: SearchAnd, Children: []SearchOp{
					{Key: SearchOr, Children: []SearchOp{
						{Key: SearchFlagged},
						{Key: SearchNot, Children: []SearchOp{{Key: SearchAnswered}}},
					}},
					{Key: SearchUID, Sequences: []SeqRange{{Min: 1, Max: 10}}},
				}},
			}},
			want: `a1 SEARCH RETURN (ALL) CHARSET UTF-8 (OR FLAGGED NOT ANSWERED UID 1:10)` + "\r\n",
		},
		{
			name: "search header and date keys",
			cmd: Command{Tag: []byte("a1"), Name: "SEARCH", Search: Search{
				Op: &SearchOp{Key: SearchAnd, Children: []SearchOp{
					{Key: SearchHeader, Value: "X-Spam-Flag: YES"},
					{Key: SearchSince, Date: time.Date(2024, time.March, 2, 0, 0, 0, 0, time.UTC)},
					{Key: SearchLarger, Num: 4096},
				}},
			}},
			want: `a1 SEARCH (HEADER "X-Spam-Flag" "YES" SINCE "02-Mar-2024" LARGER 4096)` + "\r\n",
		},
		{
			name: "sort",
			cmd: Command{Tag: []byte("a1"), Name: "SORT", Sort: Sort{
				Criteria: []SortCriterion{{Key: SortDate, Reverse: true}, {Key: SortSubject}},
				Op:       &SearchOp{Key: SearchAll},
			}},
			want: "a1 SORT (REVERSE DATE SUBJECT) US-ASCII ALL\r\n",
		},
		{
			name: "thread",
			cmd: Command{Tag: []byte("a1"), Name: "THREAD", Thread: Thread{
				Algorithm: ThreadReferences,
				Op:        &SearchOp{Key: SearchAll},
			}},
			want: "a1 THREAD REFERENCES US-ASCII ALL\r\n",
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			buf := new(bytes.Buffer)
			s := NewSerializer(buf)
			if err := s.WriteCommand(&test.cmd, nil); err != nil {
				t.Fatalf("WriteCommand: %v", err)
			}
			if got := buf.String(); got != test.want {
				t.Errorf("WriteCommand\n got: %q\nwant: %q", got, test.want)
			}
		})
	}
}

// TestSerializerMailboxUTF7RoundTrip exercises writeMailboxArg's
// modified-UTF-7 encoding indirectly: rather than hardcode an encoded
// byte string by hand, it decodes what the serializer wrote with the
// scanner's own decoder and checks the mailbox name survives the trip.
func TestSerializerMailboxUTF7RoundTrip(t *testing.T) {
	name := []byte("Поддержка")
	cmd := Command{Tag: []byte("a1"), Name: "CREATE", Mailbox: name}

	buf := new(bytes.Buffer)
	s := NewSerializer(buf)
	if err := s.WriteCommand(&cmd, nil); err != nil {
		t.Fatalf("WriteCommand: %v", err)
	}

	got := buf.String()
	const prefix, suffix = `a1 CREATE "`, "\"\r\n"
	if len(got) < len(prefix)+len(suffix) || got[:len(prefix)] != prefix || got[len(got)-len(suffix):] != suffix {
		t.Fatalf("unexpected command framing: %q", got)
	}
	encoded := got[len(prefix) : len(got)-len(suffix)]

	decoded, err := utf7mod.AppendDecode(nil, []byte(encoded))
	if err != nil {
		t.Fatalf("AppendDecode: %v", err)
	}
	if string(decoded) != string(name) {
		t.Errorf("round trip: got %q, want %q", decoded, name)
	}
}

func TestSerializerAppendLiteral(t *testing.T) {
	lit := filer.BufferFile(1024)
	defer lit.Close()
	if _, err := lit.Write([]byte("Subject: hi\r\n\r\nbody\r\n")); err != nil {
		t.Fatal(err)
	}
	if _, err := lit.Seek(0, 0); err != nil {
		t.Fatal(err)
	}

	cmd := Command{
		Tag:     []byte("a1"),
		Name:    "APPEND",
		Mailbox: []byte("INBOX"),
		Append: struct {
			Flags [][]byte
			Date  []byte
		}{Flags: [][]byte{[]byte(`\Seen`)}},
		Literal: lit,
	}

	var contRead bool
	buf := new(bytes.Buffer)
	s := NewSerializer(buf)
	err := s.WriteCommand(&cmd, func() error {
		contRead = true
		return nil
	})
	if err != nil {
		t.Fatalf("WriteCommand: %v", err)
	}
	if !contRead {
		t.Error("continuation reader was not invoked for a synchronizing literal")
	}
	want := "a1 APPEND \"INBOX\" (\\Seen) {21}\r\nSubject: hi\r\n\r\nbody\r\n\r\n"
	if got := buf.String(); got != want {
		t.Errorf("WriteCommand\n got: %q\nwant: %q", got, want)
	}
}

func TestSerializerAppendLiteralPlus(t *testing.T) {
	lit := filer.BufferFile(1024)
	defer lit.Close()
	if _, err := lit.Write([]byte("hi")); err != nil {
		t.Fatal(err)
	}
	if _, err := lit.Seek(0, 0); err != nil {
		t.Fatal(err)
	}

	cmd := Command{Tag: []byte("a1"), Name: "APPEND", Mailbox: []byte("INBOX"), Literal: lit}

	buf := new(bytes.Buffer)
	s := NewSerializer(buf)
	s.LiteralPlus = true
	if err := s.WriteCommand(&cmd, nil); err != nil {
		t.Fatalf("WriteCommand: %v", err)
	}
	want := "a1 APPEND \"INBOX\" {2+}\r\nhi\r\n"
	if got := buf.String(); got != want {
		t.Errorf("WriteCommand\n got: %q\nwant: %q", got, want)
	}
}

func TestSerializerAppendMissingLiteral(t *testing.T) {
	cmd := Command{Tag: []byte("a1"), Name: "APPEND", Mailbox: []byte("INBOX")}
	buf := new(bytes.Buffer)
	s := NewSerializer(buf)
	if err := s.WriteCommand(&cmd, nil); err == nil {
		t.Error("expected error for APPEND without a literal")
	}
}

func TestSerializerRejectsEmbeddedCRLF(t *testing.T) {
	cmd := Command{Tag: []byte("a1"), Name: "CREATE", Mailbox: []byte("evil\r\nINBOX")}
	buf := new(bytes.Buffer)
	s := NewSerializer(buf)
	if err := s.WriteCommand(&cmd, nil); err == nil {
		t.Error("expected error for a mailbox name containing CRLF")
	}
}
