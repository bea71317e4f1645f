package imapparser

import (
	"bufio"
	"reflect"
	"strings"
	"testing"
)

func newTestParser(input string) *Parser {
	r := bufio.NewReader(strings.NewReader(input))
	f := filer.BufferFile(1024)
	s := NewScanner(r, f, nil)
	return &Parser{Scanner: s, Filer: filer}
}

func TestParseEnvelope(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  *Envelope
	}{
		{
			name:  "fully populated",
			input: `("Mon, 7 Feb 1994 21:52:25 -0800" "IMAP4rev1 WG mtg summary and minutes" (("Terry Gray" NIL "gray" "cac.washington.edu")) (("Terry Gray" NIL "gray" "cac.washington.edu")) (("Terry Gray" NIL "gray" "cac.washington.edu")) ((NIL NIL "imap" "cac.washington.edu")) ((NIL NIL "minutes" "CNRI.Reston.VA.US")("John Klensin" NIL "KLENSIN" "MIT.EDU")) NIL NIL "<B27397-0100000@cac.washington.edu>")` + "\r\n",
			want: &Envelope{
				Date:    "Mon, 7 Feb 1994 21:52:25 -0800",
				Subject: "IMAP4rev1 WG mtg summary and minutes",
				From:    []Address{{Name: "Terry Gray", Mailbox: "gray", Host: "cac.washington.edu"}},
				Sender:  []Address{{Name: "Terry Gray", Mailbox: "gray", Host: "cac.washington.edu"}},
				ReplyTo: []Address{{Name: "Terry Gray", Mailbox: "gray", Host: "cac.washington.edu"}},
				To:      []Address{{Mailbox: "imap", Host: "cac.washington.edu"}},
				Cc: []Address{
					{Mailbox: "minutes", Host: "CNRI.Reston.VA.US"},
					{Name: "John Klensin", Mailbox: "KLENSIN", Host: "MIT.EDU"},
				},
				MessageID: "<B27397-0100000@cac.washington.edu>",
			},
		},
		{
			name:  "all NIL",
			input: `(NIL NIL NIL NIL NIL NIL NIL NIL NIL NIL)` + "\r\n",
			want:  &Envelope{},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			p := newTestParser(test.input)
			if !p.Scanner.Next(TokenListStart) {
				t.Fatalf("missing outer list start")
			}
			got, err := p.parseEnvelope()
			if err != nil {
				t.Fatalf("parseEnvelope: %v", err)
			}
			if !reflect.DeepEqual(got, test.want) {
				t.Errorf("parseEnvelope\n got: %+v\nwant: %+v", got, test.want)
			}
		})
	}
}

func TestParseBodyStructureLeaf(t *testing.T) {
	input := `("TEXT" "PLAIN" ("CHARSET" "US-ASCII") NIL NIL "7BIT" 1152 23)` + "\r\n"
	p := newTestParser(input)
	if !p.Scanner.Next(TokenListStart) {
		t.Fatal("missing outer list start")
	}
	got, err := p.parseBodyStructurePart()
	if err != nil {
		t.Fatalf("parseBodyStructurePart: %v", err)
	}
	want := &BodyStructurePart{
		Type:     "TEXT",
		Subtype:  "PLAIN",
		Params:   map[string]string{"CHARSET": "US-ASCII"},
		Encoding: "7BIT",
		Size:     1152,
		Lines:    23,
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("parseBodyStructurePart\n got: %+v\nwant: %+v", got, want)
	}
}

func TestParseBodyStructureMultipart(t *testing.T) {
	input := `(("TEXT" "PLAIN" NIL NIL NIL "7BIT" 100 5)("TEXT" "HTML" NIL NIL NIL "7BIT" 200 10) "ALTERNATIVE")` + "\r\n"
	p := newTestParser(input)
	if !p.Scanner.Next(TokenListStart) {
		t.Fatal("missing outer list start")
	}
	got, err := p.parseBodyStructurePart()
	if err != nil {
		t.Fatalf("parseBodyStructurePart: %v", err)
	}
	if got.Type != "multipart" || got.Subtype != "ALTERNATIVE" {
		t.Fatalf("got type/subtype %q/%q", got.Type, got.Subtype)
	}
	if len(got.Children) != 2 {
		t.Fatalf("got %d children, want 2", len(got.Children))
	}
	if got.Children[0].Subtype != "PLAIN" || got.Children[1].Subtype != "HTML" {
		t.Errorf("children out of order: %+v", got.Children)
	}
}

func TestParseBodyStructureExtension(t *testing.T) {
	input := `("TEXT" "PLAIN" NIL NIL NIL "7BIT" 10 1 "abc123" ("attachment" ("filename" "a.txt")) ("en") "http://example.com/a.txt")` + "\r\n"
	p := newTestParser(input)
	if !p.Scanner.Next(TokenListStart) {
		t.Fatal("missing outer list start")
	}
	got, err := p.parseBodyStructurePart()
	if err != nil {
		t.Fatalf("parseBodyStructurePart: %v", err)
	}
	if got.MD5 != "abc123" {
		t.Errorf("MD5 = %q", got.MD5)
	}
	if got.Disposition != "attachment" || got.DispParams["filename"] != "a.txt" {
		t.Errorf("disposition = %q params = %v", got.Disposition, got.DispParams)
	}
	if len(got.Language) != 1 || got.Language[0] != "en" {
		t.Errorf("language = %v", got.Language)
	}
	if got.Location != "http://example.com/a.txt" {
		t.Errorf("location = %q", got.Location)
	}
}
