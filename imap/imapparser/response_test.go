package imapparser

import (
	"reflect"
	"strconv"
	"testing"
	"time"
)

func TestParseResponseStatus(t *testing.T) {
	p := newTestParser("A001 OK [UIDVALIDITY 3857529045] UIDs valid\r\n")
	if err := p.ParseResponse(); err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	r := p.Response
	if r.Tag != "A001" || r.Type != "OK" {
		t.Fatalf("got tag=%q type=%q", r.Tag, r.Type)
	}
	if r.Cond == nil || r.Cond.Code == nil {
		t.Fatalf("missing response code")
	}
	if r.Cond.Code.Name != "UIDVALIDITY" || r.Cond.Code.Arg(0) != "3857529045" {
		t.Errorf("code = %+v", r.Cond.Code)
	}
	if r.Cond.Text != "UIDs valid" {
		t.Errorf("text = %q", r.Cond.Text)
	}
}

func TestParseResponsePermanentFlags(t *testing.T) {
	p := newTestParser("* OK [PERMANENTFLAGS (\\Answered \\Flagged \\Deleted \\Seen \\Draft \\*)] Limited\r\n")
	if err := p.ParseResponse(); err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	r := p.Response
	if r.Tag != "*" || r.Type != "OK" {
		t.Fatalf("got tag=%q type=%q", r.Tag, r.Type)
	}
	code := r.Cond.Code
	if code == nil || code.Name != "PERMANENTFLAGS" {
		t.Fatalf("code = %+v", code)
	}
	want := []string{`\Answered`, `\Flagged`, `\Deleted`, `\Seen`, `\Draft`, `\*`}
	if !reflect.DeepEqual(code.Args, want) {
		t.Errorf("args = %v, want %v", code.Args, want)
	}
}

func TestParseResponseContinuation(t *testing.T) {
	p := newTestParser("+ idling\r\n")
	if err := p.ParseResponse(); err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	r := p.Response
	if r.Tag != "+" || r.Continuation != "idling" {
		t.Errorf("got tag=%q continuation=%q", r.Tag, r.Continuation)
	}
}

func TestParseResponseCapability(t *testing.T) {
	p := newTestParser("* CAPABILITY IMAP4rev1 STARTTLS AUTH=PLAIN\r\n")
	if err := p.ParseResponse(); err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	want := []string{"IMAP4rev1", "STARTTLS", "AUTH=PLAIN"}
	if !reflect.DeepEqual(p.Response.Capabilities, want) {
		t.Errorf("capabilities = %v, want %v", p.Response.Capabilities, want)
	}
}

func TestParseResponseExistsRecentExpunge(t *testing.T) {
	for _, tt := range []struct {
		input string
		typ   string
	}{
		{"* 172 EXISTS\r\n", "EXISTS"},
		{"* 1 RECENT\r\n", "RECENT"},
		{"* 44 EXPUNGE\r\n", "EXPUNGE"},
	} {
		p := newTestParser(tt.input)
		if err := p.ParseResponse(); err != nil {
			t.Fatalf("%s: ParseResponse: %v", tt.typ, err)
		}
		if p.Response.Type != tt.typ {
			t.Errorf("got type %q, want %q", p.Response.Type, tt.typ)
		}
	}
}

func TestParseResponseFetchBasic(t *testing.T) {
	p := newTestParser(`* 12 FETCH (FLAGS (\Seen) UID 4827 RFC822.SIZE 2738)` + "\r\n")
	if err := p.ParseResponse(); err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	r := p.Response
	if r.Type != "FETCH" || r.SeqNum != 12 {
		t.Fatalf("got type=%q seq=%d", r.Type, r.SeqNum)
	}
	if len(r.Fetch) != 3 {
		t.Fatalf("got %d attrs, want 3", len(r.Fetch))
	}
	if r.Fetch[0].Type != FetchFlags || len(r.Fetch[0].Flags) != 1 || string(r.Fetch[0].Flags[0]) != `\Seen` {
		t.Errorf("flags attr = %+v", r.Fetch[0])
	}
	if r.Fetch[1].Type != FetchUID || r.Fetch[1].UID != 4827 {
		t.Errorf("uid attr = %+v", r.Fetch[1])
	}
	if r.Fetch[2].Type != FetchRFC822Size || r.Fetch[2].RFC822Size != 2738 {
		t.Errorf("size attr = %+v", r.Fetch[2])
	}
}

func TestParseResponseFetchInternalDate(t *testing.T) {
	p := newTestParser(`* 1 FETCH (INTERNALDATE "17-Jul-1996 02:44:25 -0700")` + "\r\n")
	if err := p.ParseResponse(); err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	attrs := p.Response.Fetch
	if len(attrs) != 1 || attrs[0].Type != FetchInternalDate {
		t.Fatalf("attrs = %+v", attrs)
	}
	got := attrs[0].InternalDate
	want := time.Date(1996, time.July, 17, 2, 44, 25, 0, time.FixedZone("", -7*3600))
	if !got.Equal(want) {
		t.Errorf("date = %v, want %v", got, want)
	}
}

func TestParseResponseFetchBodySection(t *testing.T) {
	content := "Date: Mon, 1 Jan 2024\r\n"
	input := "* 3 FETCH (BODY[HEADER.FIELDS (DATE FROM)]<0> {" +
		strconv.Itoa(len(content)) + "}\r\n" + content + ")\r\n"
	p := newTestParser(input)
	if err := p.ParseResponse(); err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	attrs := p.Response.Fetch
	if len(attrs) != 1 {
		t.Fatalf("got %d attrs, want 1", len(attrs))
	}
	a := attrs[0]
	if a.Type != FetchBody {
		t.Fatalf("type = %v", a.Type)
	}
	if a.Section.Name != "HEADER.FIELDS" {
		t.Errorf("section name = %q", a.Section.Name)
	}
	if len(a.Section.Headers) != 2 || string(a.Section.Headers[0]) != "DATE" || string(a.Section.Headers[1]) != "FROM" {
		t.Errorf("section headers = %v", a.Section.Headers)
	}
	if a.Literal == nil {
		t.Fatalf("missing literal")
	}
}

func TestParseResponseList(t *testing.T) {
	p := newTestParser(`* LIST (\HasNoChildren) "/" "INBOX/Drafts"` + "\r\n")
	if err := p.ParseResponse(); err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	lr := p.Response.List
	if lr == nil {
		t.Fatalf("missing list response")
	}
	if len(lr.Attrs) != 1 || lr.Attrs[0] != `\HasNoChildren` {
		t.Errorf("attrs = %v", lr.Attrs)
	}
	if lr.Delim != '/' {
		t.Errorf("delim = %q", lr.Delim)
	}
	if string(lr.Mailbox) != "INBOX/Drafts" {
		t.Errorf("mailbox = %q", lr.Mailbox)
	}
}

func TestParseResponseStatusItem(t *testing.T) {
	p := newTestParser(`* STATUS "INBOX" (MESSAGES 231 UIDNEXT 44292 UNSEEN 3)` + "\r\n")
	if err := p.ParseResponse(); err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	ms := p.Response.MailboxStatus
	if ms == nil {
		t.Fatalf("missing mailbox status")
	}
	if string(ms.Mailbox) != "INBOX" {
		t.Errorf("mailbox = %q", ms.Mailbox)
	}
	if ms.Items[StatusMessages] != 231 || ms.Items[StatusUIDNext] != 44292 || ms.Items[StatusUnseen] != 3 {
		t.Errorf("items = %v", ms.Items)
	}
}

func TestParseResponseSearchCondstore(t *testing.T) {
	p := newTestParser("* SEARCH 2 5 6 (MODSEQ 917162500)\r\n")
	if err := p.ParseResponse(); err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	sr := p.Response.Search
	if sr == nil {
		t.Fatalf("missing search response")
	}
	want := []uint32{2, 5, 6}
	if !reflect.DeepEqual(sr.Numbers, want) {
		t.Errorf("numbers = %v, want %v", sr.Numbers, want)
	}
	if sr.ModSeq != 917162500 {
		t.Errorf("modseq = %d", sr.ModSeq)
	}
}

func TestParseResponseESearch(t *testing.T) {
	p := newTestParser(`* ESEARCH (TAG "A282") MIN 2 MAX 44 COUNT 4 ALL 2,10:11,44` + "\r\n")
	if err := p.ParseResponse(); err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	sr := p.Response.Search
	if sr == nil || !sr.Extended {
		t.Fatalf("search = %+v", sr)
	}
	if sr.Tag != "A282" || sr.Min != 2 || sr.Max != 44 || sr.Count != 4 {
		t.Errorf("search = %+v", sr)
	}
	want := []SeqRange{{Min: 2, Max: 2}, {Min: 10, Max: 11}, {Min: 44, Max: 44}}
	if !reflect.DeepEqual(sr.All, want) {
		t.Errorf("all = %v, want %v", sr.All, want)
	}
}

func TestParseResponseThread(t *testing.T) {
	p := newTestParser("* THREAD (2)(3 6 (4)(23))\r\n")
	if err := p.ParseResponse(); err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	nodes := p.Response.Thread
	if len(nodes) != 2 {
		t.Fatalf("got %d roots, want 2", len(nodes))
	}
	if nodes[0].UID != 2 || len(nodes[0].Children) != 0 {
		t.Errorf("root 0 = %+v", nodes[0])
	}
	// "(3 6 (4)(23))": a linear chain 3 -> 6, then 6 forks into 4 and 23.
	root1 := nodes[1]
	if root1.UID != 3 || len(root1.Children) != 1 {
		t.Fatalf("root 1 = %+v", root1)
	}
	six := root1.Children[0]
	if six.UID != 6 || len(six.Children) != 2 {
		t.Fatalf("node 6 = %+v", six)
	}
	if six.Children[0].UID != 4 || six.Children[1].UID != 23 {
		t.Errorf("node 6 children = %+v", six.Children)
	}
}

func TestParseResponseNamespace(t *testing.T) {
	p := newTestParser(`* NAMESPACE (("" "/")) NIL (("Other Users/" "/")("Shared Folders/" "/" ("X-PARAM" ("FLAG1" "FLAG2"))))` + "\r\n")
	if err := p.ParseResponse(); err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	nr := p.Response.Namespace
	if nr == nil {
		t.Fatalf("missing namespace response")
	}
	if len(nr.Personal) != 1 || nr.Personal[0].Prefix != "" || nr.Personal[0].Delim != '/' {
		t.Errorf("personal = %+v", nr.Personal)
	}
	if nr.Other != nil {
		t.Errorf("other = %+v, want nil", nr.Other)
	}
	if len(nr.Shared) != 2 {
		t.Fatalf("shared = %+v", nr.Shared)
	}
	if nr.Shared[0].Prefix != "Other Users/" || nr.Shared[1].Prefix != "Shared Folders/" {
		t.Errorf("shared = %+v", nr.Shared)
	}
}

func TestParseResponseIDAndEnabled(t *testing.T) {
	p := newTestParser(`* ID ("name" "imtest" "version" "1.0")` + "\r\n")
	if err := p.ParseResponse(); err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	want := map[string]string{"name": "imtest", "version": "1.0"}
	if !reflect.DeepEqual(p.Response.ID, want) {
		t.Errorf("id = %v, want %v", p.Response.ID, want)
	}

	p2 := newTestParser("* ENABLED CONDSTORE QRESYNC\r\n")
	if err := p2.ParseResponse(); err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	wantEnabled := []string{"CONDSTORE", "QRESYNC"}
	if !reflect.DeepEqual(p2.Response.Enabled, wantEnabled) {
		t.Errorf("enabled = %v, want %v", p2.Response.Enabled, wantEnabled)
	}
}

func TestParseResponseVanished(t *testing.T) {
	p := newTestParser("* VANISHED (EARLIER) 41,43:44\r\n")
	if err := p.ParseResponse(); err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	v := p.Response.Vanished
	if v == nil || !v.Earlier {
		t.Fatalf("vanished = %+v", v)
	}
	want := []SeqRange{{Min: 41, Max: 41}, {Min: 43, Max: 44}}
	if !reflect.DeepEqual(v.UIDs, want) {
		t.Errorf("uids = %v, want %v", v.UIDs, want)
	}
}
