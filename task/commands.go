package task

import (
	"time"

	"crawshaw.io/iox"

	"mailcore.dev/core/cache"
	"mailcore.dev/core/imap"
	"mailcore.dev/core/imap/imapparser"
	"mailcore.dev/core/tree"
)

// NewPendingTask registers a task that stays New until Activate; the
// KeepMailboxOpen write channel activates these.
func (g *Graph) NewPendingTask(runner Runner) *Task {
	g.mu.Lock()
	g.nextID++
	t := &Task{
		g:       g,
		id:      g.nextID,
		runner:  runner,
		parents: make(map[ID]*Task),
		done:    make(chan struct{}),
	}
	g.tasks[t.id] = t
	g.mu.Unlock()
	return t
}

// command is the shared shape of every single-command task: build the
// command, send it, absorb (or pass through) its untagged data,
// resolve on the tagged response.
type command struct {
	Base
	name     string
	provider SessionProvider
	build    func(t *Task) (*imapparser.Command, error)
	untagged func(t *Task, resp *imapparser.Response) bool
	tagged   func(t *Task, resp *imapparser.Response)
}

func (c *command) Name() string { return c.name }

func (c *command) Perform(t *Task) error {
	if t.Session() == nil && c.provider != nil {
		t.BindSession(c.provider.Session())
	}
	cmd, err := c.build(t)
	if err != nil {
		return err
	}
	return t.Send(cmd)
}

func (c *command) HandleUntagged(t *Task, resp *imapparser.Response) bool {
	if c.untagged == nil {
		return false
	}
	return c.untagged(t, resp)
}

func (c *command) HandleTagged(t *Task, resp *imapparser.Response) {
	if c.tagged != nil {
		c.tagged(t, resp)
		return
	}
	t.CompleteFromTagged(resp)
}

// NewNoop sends NOOP; any untagged updates it flushes out are
// absorbed by the tree.
func NewNoop(g *Graph, provider SessionProvider, parents ...*Task) *Task {
	return g.NewTask(&command{
		name:     "Checking for new messages",
		provider: provider,
		build: func(*Task) (*imapparser.Command, error) {
			return &imapparser.Command{Name: "NOOP"}, nil
		},
	}, parents...)
}

// NewCapability re-requests the capability set; the session absorbs
// the untagged CAPABILITY itself.
func NewCapability(g *Graph, provider SessionProvider, parents ...*Task) *Task {
	return g.NewTask(&command{
		name:     "Asking server about its capabilities",
		provider: provider,
		build: func(*Task) (*imapparser.Command, error) {
			return &imapparser.Command{Name: "CAPABILITY"}, nil
		},
	}, parents...)
}

// List lists parent's child mailboxes. The untagged LIST lines flow
// into the tree as they arrive; on OK the level is marked fully
// listed and persisted.
type List struct {
	Tree      *tree.Tree
	Parent    string // parent mailbox name; "" lists the top level
	Separator byte

	collected []*imapparser.ListResponse
}

// NewList registers a LIST task for one hierarchy level.
func NewList(g *Graph, provider SessionProvider, tr *tree.Tree, parent string, sep byte, parents ...*Task) *Task {
	l := &List{Tree: tr, Parent: parent, Separator: sep}
	return g.NewTask(&command{
		name:     "Listing mailboxes",
		provider: provider,
		build: func(*Task) (*imapparser.Command, error) {
			glob := "%"
			if parent != "" {
				glob = parent + string(sep) + "%"
			}
			cmd := &imapparser.Command{Name: "LIST"}
			cmd.List.ReferenceName = []byte("")
			cmd.List.MailboxGlob = []byte(glob)
			return cmd, nil
		},
		untagged: func(t *Task, resp *imapparser.Response) bool {
			if resp.Type != "LIST" || resp.List == nil {
				return false
			}
			// Keep a copy; the parser reuses the Response.
			lr := *resp.List
			lr.Mailbox = append([]byte(nil), resp.List.Mailbox...)
			l.collected = append(l.collected, &lr)
			l.Tree.UpsertListedMailbox(&lr, false)
			return true
		},
		tagged: func(t *Task, resp *imapparser.Response) {
			if resp.Type == "OK" {
				l.finish()
			}
			t.CompleteFromTagged(resp)
		},
	}, parents...)
}

// finish marks the level fully listed: children the server no longer
// reports are dropped, and the set is persisted to the cache.
func (l *List) finish() {
	metas := make([]cache.MailboxMeta, 0, len(l.collected))
	for _, lr := range l.collected {
		var attrs imap.ListAttrFlag
		for _, a := range lr.Attrs {
			attrs |= imap.ParseListAttr(a)
		}
		hasKids, _ := attrs.HasChildren()
		metas = append(metas, cache.MailboxMeta{
			Name:        string(lr.Mailbox),
			Separator:   lr.Delim,
			HasChildren: hasKids,
			NoSelect:    attrs&imap.AttrNoselect != 0,
		})
	}
	l.Tree.SetChildMailboxes(l.Parent, metas)
}

// NewStatus asks for a mailbox's counters without selecting it.
func NewStatus(g *Graph, provider SessionProvider, mailbox string, items []imapparser.StatusItem, parents ...*Task) *Task {
	return g.NewTask(&command{
		name:     "Checking mailbox " + mailbox,
		provider: provider,
		build: func(*Task) (*imapparser.Command, error) {
			cmd := &imapparser.Command{Name: "STATUS", Mailbox: []byte(mailbox)}
			cmd.Status.Items = items
			return cmd, nil
		},
	}, parents...)
}

// Namespace captures the NAMESPACE response.
type Namespace struct {
	Response *imapparser.NamespaceResponse
}

// NewNamespace asks for the server's namespace layout.
func NewNamespace(g *Graph, provider SessionProvider, parents ...*Task) (*Namespace, *Task) {
	n := &Namespace{}
	t := g.NewTask(&command{
		name:     "Asking for server namespaces",
		provider: provider,
		build: func(*Task) (*imapparser.Command, error) {
			return &imapparser.Command{Name: "NAMESPACE"}, nil
		},
		untagged: func(t *Task, resp *imapparser.Response) bool {
			if resp.Type != "NAMESPACE" {
				return false
			}
			ns := *resp.Namespace
			n.Response = &ns
			return true
		},
	}, parents...)
	return n, t
}

// ServerIdentity captures the server's RFC 2971 ID response.
type ServerIdentity struct {
	Response map[string]string
}

// NewID sends the RFC 2971 ID command with the client's fields.
func NewID(g *Graph, provider SessionProvider, fields map[string]string, parents ...*Task) (*ServerIdentity, *Task) {
	id := &ServerIdentity{}
	t := g.NewTask(&command{
		name:     "Identifying to server",
		provider: provider,
		build: func(*Task) (*imapparser.Command, error) {
			cmd := &imapparser.Command{Name: "ID"}
			for k, v := range fields {
				cmd.Params = append(cmd.Params, []byte(k), []byte(v))
			}
			return cmd, nil
		},
		untagged: func(t *Task, resp *imapparser.Response) bool {
			if resp.Type != "ID" {
				return false
			}
			id.Response = resp.ID
			return true
		},
	}, parents...)
	return id, t
}

// Enabled captures which extensions ENABLE turned on.
type Enabled struct {
	Extensions []string
}

// NewEnable enables extensions (QRESYNC, CONDSTORE) per RFC 5161.
func NewEnable(g *Graph, provider SessionProvider, exts []string, parents ...*Task) (*Enabled, *Task) {
	e := &Enabled{}
	t := g.NewTask(&command{
		name:     "Enabling extensions",
		provider: provider,
		build: func(*Task) (*imapparser.Command, error) {
			cmd := &imapparser.Command{Name: "ENABLE"}
			for _, x := range exts {
				cmd.Params = append(cmd.Params, []byte(x))
			}
			return cmd, nil
		},
		untagged: func(t *Task, resp *imapparser.Response) bool {
			if resp.Type != "ENABLED" {
				return false
			}
			e.Extensions = append([]string(nil), resp.Enabled...)
			return true
		},
	}, parents...)
	return e, t
}

// NewCreate makes a mailbox.
func NewCreate(g *Graph, provider SessionProvider, mailbox string, parents ...*Task) *Task {
	return g.NewTask(&command{
		name:     "Creating mailbox " + mailbox,
		provider: provider,
		build: func(*Task) (*imapparser.Command, error) {
			return &imapparser.Command{Name: "CREATE", Mailbox: []byte(mailbox)}, nil
		},
	}, parents...)
}

// NewDelete removes a mailbox.
func NewDelete(g *Graph, provider SessionProvider, mailbox string, parents ...*Task) *Task {
	return g.NewTask(&command{
		name:     "Deleting mailbox " + mailbox,
		provider: provider,
		build: func(*Task) (*imapparser.Command, error) {
			return &imapparser.Command{Name: "DELETE", Mailbox: []byte(mailbox)}, nil
		},
	}, parents...)
}

// NewRename renames a mailbox.
func NewRename(g *Graph, provider SessionProvider, oldName, newName string, parents ...*Task) *Task {
	return g.NewTask(&command{
		name:     "Renaming mailbox " + oldName,
		provider: provider,
		build: func(*Task) (*imapparser.Command, error) {
			cmd := &imapparser.Command{Name: "RENAME"}
			cmd.Rename.OldMailbox = []byte(oldName)
			cmd.Rename.NewMailbox = []byte(newName)
			return cmd, nil
		},
	}, parents...)
}

// NewSubscribe changes a mailbox's subscription.
func NewSubscribe(g *Graph, provider SessionProvider, mailbox string, subscribe bool, parents ...*Task) *Task {
	name := "SUBSCRIBE"
	if !subscribe {
		name = "UNSUBSCRIBE"
	}
	return g.NewTask(&command{
		name:     "Updating subscription of " + mailbox,
		provider: provider,
		build: func(*Task) (*imapparser.Command, error) {
			return &imapparser.Command{Name: name, Mailbox: []byte(mailbox)}, nil
		},
	}, parents...)
}

// newPendingCommand builds a pending (KeepMailboxOpen-scheduled)
// single-command task.
func (g *Graph) newPendingCommand(c *command) *Task {
	return g.NewPendingTask(c)
}

// NewFetch fetches attributes for a sequence range in the selected
// mailbox; the untagged FETCH data flows into the tree via the
// session sink. Pending: enqueue it on the KeepMailboxOpen.
func NewFetch(g *Graph, items []imapparser.FetchItem, seqs []imapparser.SeqRange, uid bool) *Task {
	return g.newPendingCommand(&command{
		name: "Downloading messages",
		build: func(*Task) (*imapparser.Command, error) {
			return &imapparser.Command{
				Name:       "FETCH",
				UID:        uid,
				Sequences:  seqs,
				FetchItems: items,
			}, nil
		},
	})
}

// Search captures a SEARCH/ESEARCH result.
type Search struct {
	Result imapparser.SearchResponse
}

// NewSearch runs SEARCH (or UID SEARCH) in the selected mailbox.
func NewSearch(g *Graph, op *imapparser.SearchOp, charset string, uid bool) (*Search, *Task) {
	s := &Search{}
	t := g.newPendingCommand(&command{
		name: "Searching mailbox",
		build: func(*Task) (*imapparser.Command, error) {
			cmd := &imapparser.Command{Name: "SEARCH", UID: uid}
			cmd.Search.Op = op
			cmd.Search.Charset = charset
			return cmd, nil
		},
		untagged: func(t *Task, resp *imapparser.Response) bool {
			if resp.Search == nil {
				return false
			}
			s.Result = *resp.Search
			s.Result.Numbers = append([]uint32(nil), resp.Search.Numbers...)
			s.Result.All = append([]imapparser.SeqRange(nil), resp.Search.All...)
			return true
		},
	})
	return s, t
}

// Sort captures a SORT result.
type Sort struct {
	Numbers []uint32
}

// NewSort runs SORT (RFC 5256) in the selected mailbox.
func NewSort(g *Graph, criteria []imapparser.SortCriterion, charset string, op *imapparser.SearchOp, uid bool) (*Sort, *Task) {
	s := &Sort{}
	t := g.newPendingCommand(&command{
		name: "Sorting mailbox",
		build: func(*Task) (*imapparser.Command, error) {
			cmd := &imapparser.Command{Name: "SORT", UID: uid}
			cmd.Sort.Criteria = criteria
			cmd.Sort.Charset = charset
			cmd.Sort.Op = op
			return cmd, nil
		},
		untagged: func(t *Task, resp *imapparser.Response) bool {
			if resp.Type != "SORT" {
				return false
			}
			s.Numbers = append([]uint32(nil), resp.Sort...)
			return true
		},
	})
	return s, t
}

// Thread captures a THREAD response vector.
type Thread struct {
	Roots []imapparser.ThreadNode
}

// NewThread runs THREAD (RFC 5256) in the selected mailbox.
func NewThread(g *Graph, algorithm imapparser.ThreadAlgorithm, charset string, op *imapparser.SearchOp) (*Thread, *Task) {
	th := &Thread{}
	t := g.newPendingCommand(&command{
		name: "Threading mailbox",
		build: func(*Task) (*imapparser.Command, error) {
			cmd := &imapparser.Command{Name: "THREAD", UID: true}
			cmd.Thread.Algorithm = algorithm
			cmd.Thread.Charset = charset
			cmd.Thread.Op = op
			return cmd, nil
		},
		untagged: func(t *Task, resp *imapparser.Response) bool {
			if resp.Type != "THREAD" {
				return false
			}
			th.Roots = append([]imapparser.ThreadNode(nil), resp.Thread...)
			return true
		},
	})
	return th, t
}

// NewStore updates flags on messages in the selected mailbox.
func NewStore(g *Graph, seqs []imapparser.SeqRange, mode imapparser.StoreMode, flags []string, uid, silent bool) *Task {
	return g.newPendingCommand(&command{
		name: "Saving message state",
		build: func(*Task) (*imapparser.Command, error) {
			cmd := &imapparser.Command{Name: "STORE", UID: uid, Sequences: seqs}
			cmd.Store.Mode = mode
			cmd.Store.Silent = silent
			for _, f := range flags {
				cmd.Store.Flags = append(cmd.Store.Flags, []byte(f))
			}
			return cmd, nil
		},
	})
}

// NewCopy copies messages to another mailbox; with move set, MOVE
// (RFC 6851) is used instead when the server supports it, else the
// caller is expected to follow with STORE \Deleted + EXPUNGE.
func NewCopy(g *Graph, seqs []imapparser.SeqRange, destination string, uid, move bool) *Task {
	return g.newPendingCommand(&command{
		name: "Copying messages",
		build: func(t *Task) (*imapparser.Command, error) {
			name := "COPY"
			if move && t.Session() != nil && t.Session().Capabilities().Has(imap.CapMove) {
				name = "MOVE"
			}
			return &imapparser.Command{
				Name:        name,
				UID:         uid,
				Sequences:   seqs,
				Destination: []byte(destination),
			}, nil
		},
	})
}

// NewExpunge expunges deleted messages in the selected mailbox.
func NewExpunge(g *Graph) *Task {
	return g.newPendingCommand(&command{
		name: "Removing deleted messages",
		build: func(*Task) (*imapparser.Command, error) {
			return &imapparser.Command{Name: "EXPUNGE"}, nil
		},
	})
}

// Append uploads a message. The UIDPLUS APPENDUID response code, when
// sent, is captured for the caller.
type Append struct {
	UIDValidity uint32
	UID         uint32
}

// NewAppend uploads body to mailbox with the given flags and
// optional internal date. Runs against the authenticated (not
// selected) state, so it is a plain graph task, not a pending child.
func NewAppend(g *Graph, provider SessionProvider, mailbox string, flags []string, date time.Time, body *iox.BufferFile, parents ...*Task) (*Append, *Task) {
	a := &Append{}
	t := g.NewTask(&command{
		name:     "Uploading message to " + mailbox,
		provider: provider,
		build: func(*Task) (*imapparser.Command, error) {
			cmd := &imapparser.Command{Name: "APPEND", Mailbox: []byte(mailbox), Literal: body}
			for _, f := range flags {
				cmd.Append.Flags = append(cmd.Append.Flags, []byte(f))
			}
			if !date.IsZero() {
				cmd.Append.Date = []byte(date.Format("02-Jan-2006 15:04:05 -0700"))
			}
			return cmd, nil
		},
		tagged: func(t *Task, resp *imapparser.Response) {
			if resp.Cond != nil && resp.Cond.Code != nil && resp.Cond.Code.Name == "APPENDUID" {
				if v, err := resp.Cond.Code.Uint32Arg(0); err == nil {
					a.UIDValidity = v
				}
				if v, err := resp.Cond.Code.Uint32Arg(1); err == nil {
					a.UID = v
				}
			}
			t.CompleteFromTagged(resp)
		},
	}, parents...)
	return a, t
}
