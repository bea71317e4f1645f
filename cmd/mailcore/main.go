// Command mailcore is a minimal terminal front end for the engine:
// it connects an account, lists the mailbox tree, and optionally
// opens one mailbox and prints its messages as they synchronize.
// It exists to exercise the engine end to end; the real host is a
// GUI speaking the same API.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"go.uber.org/zap"

	"mailcore.dev/core/config"
	"mailcore.dev/core/engine"
	"mailcore.dev/core/tree"
)

func main() {
	log.SetFlags(0)

	flagConfig := flag.String("config", "", "account configuration YAML")
	flagMailbox := flag.String("mailbox", "", "mailbox to open after listing")
	flagDebug := flag.Bool("debug", false, "log the IMAP wire transcript to stderr")
	flagWait := flag.Duration("wait", 10*time.Second, "how long to watch for updates before exiting")

	flag.Parse()

	if *flagConfig == "" {
		log.Fatal("usage: mailcore -config account.yaml [-mailbox INBOX]")
	}
	cfg, err := config.Load(*flagConfig)
	if err != nil {
		log.Fatal(err)
	}
	if *flagDebug {
		cfg.Debug = true
	}

	zlog, err := zap.NewDevelopment()
	if err != nil {
		log.Fatal(err)
	}
	defer zlog.Sync()

	account, err := engine.Open(*cfg, zlog)
	if err != nil {
		log.Fatal(err)
	}
	defer account.Close()

	if err := account.ListMailboxes("").Wait(); err != nil {
		log.Fatalf("listing mailboxes: %v", err)
	}
	for _, mbox := range account.Tree().Root().Children() {
		exists, _, unseen := mbox.Counts()
		fmt.Printf("%s (%d messages, %d unseen)\n", mbox.Name, exists, unseen)
	}

	if *flagMailbox == "" {
		return
	}

	account.SubscribeObserver(printObserver{account})
	account.OpenMailbox(*flagMailbox)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	select {
	case <-sig:
	case <-time.After(*flagWait):
	}
}

// printObserver narrates tree changes to stdout.
type printObserver struct {
	account *engine.Account
}

func (printObserver) AboutToInsert(tree.NodeID, int, int) {}
func (printObserver) AboutToRemove(tree.NodeID, int, int) {}
func (printObserver) Removed(tree.NodeID, int, int)       {}

func (o printObserver) Inserted(parent tree.NodeID, first, last int) {
	fmt.Printf("+ %d message(s)\n", last-first+1)
}

func (o printObserver) Changed(node tree.NodeID, attrs tree.AttrSet) {
	if attrs&tree.AttrEnvelope == 0 {
		return
	}
	// Callbacks run under the tree's lock; resolve the node on our
	// own turn.
	go func() {
		ref, ok := o.account.Tree().Lookup(node)
		if !ok || ref.Message == nil {
			return
		}
		env, _ := ref.Message.Envelope()
		if env != nil {
			fmt.Printf("  %s  %s\n", env.Date, env.Subject)
		}
	}()
}
